package bench

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

var csvHeader = []string{"value_size", "seq", "latency_us"}

// Export 将每个样本写为一行 CSV；文件名以 .zst 结尾时以 zstd 压缩。
func Export(path string, steps []StepResult) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var zw *zstd.Encoder
	if strings.HasSuffix(path, ".zst") {
		zw, err = zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return err
		}
		w = zw
	}
	if err := WriteCSV(w, steps); err != nil {
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteCSV 写出表头与全部样本。
func WriteCSV(w io.Writer, steps []StepResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, st := range steps {
		size := strconv.Itoa(st.ValueSize)
		for i, d := range st.Samples {
			rec := []string{size, strconv.Itoa(i), strconv.FormatInt(d.Microseconds(), 10)}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// Import 读回 Export 写出的文件，按值大小分组；样本精度为微秒。
func Import(path string) ([]StepResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	recs, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 || strings.Join(recs[0], ",") != strings.Join(csvHeader, ",") {
		return nil, fmt.Errorf("bench: %s: missing header", path)
	}
	var out []StepResult
	for _, rec := range recs[1:] {
		size, err1 := strconv.Atoi(rec[0])
		us, err2 := strconv.ParseInt(rec[2], 10, 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("bench: %s: bad record %q", path, rec)
		}
		if len(out) == 0 || out[len(out)-1].ValueSize != size {
			out = append(out, StepResult{ValueSize: size})
		}
		last := &out[len(out)-1]
		last.Samples = append(last.Samples, time.Duration(us)*time.Microsecond)
	}
	for i := range out {
		out[i].Stats = Summarize(out[i].Samples)
	}
	return out, nil
}
