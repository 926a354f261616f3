package notifyclient

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// frameReader はSSEストリームからデータフレームを逐次読み取る。
// コメント行（ハートビート）は読み飛ばし、複数行のdataフィールドは
// 改行で連結する。
type frameReader struct {
	// scanner はストリームの行単位の読み取りに使用する。
	scanner *bufio.Scanner
}

// maxFrameSize は1フレームの最大サイズ。
const maxFrameSize = 1 << 20

// newFrameReader は新しいフレームリーダーを生成する。
func newFrameReader(r io.Reader) *frameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	return &frameReader{scanner: scanner}
}

// Next は次のデータフレームのペイロードを返す。
// ストリームの終端ではio.EOFを、読み取りエラーではそのエラーを返す。
func (f *frameReader) Next() ([]byte, error) {
	var data [][]byte

	for f.scanner.Scan() {
		line := strings.TrimSuffix(f.scanner.Text(), "\r")

		// 空行はフレームの区切り
		if line == "" {
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
			continue
		}

		// コメント行（ハートビート）は無視する
		if strings.HasPrefix(line, ":") {
			continue
		}

		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, []byte(strings.TrimPrefix(v, " ")))
		}
		// event: / id: / retry: フィールドはこのプロトコルでは使用しない
	}

	if err := f.scanner.Err(); err != nil {
		return nil, err
	}
	// 区切りの空行を待たずにストリームが終了した場合も最後のフレームを返す
	if len(data) > 0 {
		return bytes.Join(data, []byte("\n")), nil
	}
	return nil, io.EOF
}
