package utils

import (
	"bufio"
	"encoding/json"
	"io"
)

// JSONLWriter 流式 JSONL 写入器，每条记录一行
type JSONLWriter struct {
	writer *bufio.Writer
	lines  int
}

// NewJSONLWriter 创建写入器
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{writer: bufio.NewWriterSize(w, 64*1024)}
}

// WriteLine 写入一行 JSON
func (w *JSONLWriter) WriteLine(data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := w.writer.Write(jsonData); err != nil {
		return err
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return err
	}

	w.lines++
	return nil
}

// Lines 已写入行数
func (w *JSONLWriter) Lines() int {
	return w.lines
}

// Flush 刷新缓冲区
func (w *JSONLWriter) Flush() error {
	return w.writer.Flush()
}
