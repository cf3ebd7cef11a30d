package server

import "errors"

var (
	// ErrInvalidConfig 配置值非法
	ErrInvalidConfig = errors.New("server: invalid config")
	// ErrNotListening 尚未调用 Listen
	ErrNotListening = errors.New("server: not listening")
	// ErrAlreadyListening 重复调用 Listen
	ErrAlreadyListening = errors.New("server: already listening")
	// ErrClosed 服务器已关闭
	ErrClosed = errors.New("server: closed")
)
