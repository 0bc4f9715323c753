// Package filters decodes PDF stream data.
//
// Only the filters that carry document structure are supported: xref streams
// and object streams are FlateDecode in practice, optionally wrapped in an
// ASCII filter. Content stream codecs (DCT, JBIG2, CCITT) are never needed to
// add a signature and are rejected.
package filters

import (
	"bytes"
	"encoding/ascii85"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/georgepadayatti/gopdfsign/pdf/generic"
)

// Common errors
var (
	ErrUnsupportedFilter = errors.New("unsupported filter")
	ErrDecodeFailed      = errors.New("decode failed")
)

// DecodeFunc decodes data with the given /DecodeParms (may be nil).
type DecodeFunc func(data []byte, parms *generic.DictionaryObject) ([]byte, error)

var registry = map[string]DecodeFunc{
	"FlateDecode":    flateDecode,
	"Fl":             flateDecode,
	"ASCIIHexDecode": asciiHexDecode,
	"AHx":            asciiHexDecode,
	"ASCII85Decode":  ascii85Decode,
	"A85":            ascii85Decode,
}

// Decode applies the stream's /Filter chain to its data.
func Decode(stream *generic.StreamObject) ([]byte, error) {
	names, parms, err := filterChain(stream.Dictionary)
	if err != nil {
		return nil, err
	}
	data := stream.Data
	for i, name := range names {
		fn, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilter, name)
		}
		if data, err = fn(data, parms[i]); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return data, nil
}

func filterChain(dict *generic.DictionaryObject) ([]string, []*generic.DictionaryObject, error) {
	var names []string
	switch f := dict.Get("Filter").(type) {
	case nil:
		return nil, nil, nil
	case generic.NameObject:
		names = []string{string(f)}
	case generic.ArrayObject:
		for _, item := range f {
			n, ok := item.(generic.NameObject)
			if !ok {
				return nil, nil, fmt.Errorf("%w: filter array entry is not a name", ErrDecodeFailed)
			}
			names = append(names, string(n))
		}
	default:
		return nil, nil, fmt.Errorf("%w: /Filter has unexpected type %T", ErrDecodeFailed, f)
	}

	parms := make([]*generic.DictionaryObject, len(names))
	switch p := dict.Get("DecodeParms").(type) {
	case *generic.DictionaryObject:
		parms[0] = p
	case generic.ArrayObject:
		for i := 0; i < len(p) && i < len(parms); i++ {
			parms[i], _ = p[i].(*generic.DictionaryObject)
		}
	}
	return names, parms, nil
}

func flateDecode(data []byte, parms *generic.DictionaryObject) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	predictor, _ := parms.GetInt("Predictor")
	if predictor < 10 {
		if predictor == 2 {
			return nil, fmt.Errorf("%w: TIFF predictor", ErrUnsupportedFilter)
		}
		return out, nil
	}

	columns := int64(1)
	if c, ok := parms.GetInt("Columns"); ok {
		columns = c
	}
	colors := int64(1)
	if c, ok := parms.GetInt("Colors"); ok {
		colors = c
	}
	bpc := int64(8)
	if b, ok := parms.GetInt("BitsPerComponent"); ok {
		bpc = b
	}
	bpp := int((colors*bpc + 7) / 8)
	rowLen := int((columns*colors*bpc + 7) / 8)
	return unpredictPNG(out, rowLen, bpp)
}

// unpredictPNG reverses PNG row filters; each row carries a leading filter type byte.
func unpredictPNG(data []byte, rowLen, bpp int) ([]byte, error) {
	stride := rowLen + 1
	if rowLen <= 0 || len(data)%stride != 0 {
		return nil, fmt.Errorf("%w: predictor row length %d does not divide %d bytes", ErrDecodeFailed, rowLen, len(data))
	}
	out := make([]byte, 0, len(data)/stride*rowLen)
	prev := make([]byte, rowLen)
	for off := 0; off < len(data); off += stride {
		kind := data[off]
		row := append([]byte(nil), data[off+1:off+stride]...)
		for i := range row {
			var left, upLeft byte
			if i >= bpp {
				left = row[i-bpp]
				upLeft = prev[i-bpp]
			}
			up := prev[i]
			switch kind {
			case 0:
			case 1:
				row[i] += left
			case 2:
				row[i] += up
			case 3:
				row[i] += byte((int(left) + int(up)) / 2)
			case 4:
				row[i] += paeth(left, up, upLeft)
			default:
				return nil, fmt.Errorf("%w: PNG filter type %d", ErrDecodeFailed, kind)
			}
		}
		out = append(out, row...)
		prev = row
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	switch {
	case pa <= pb && pa <= pc:
		return a
	case pb <= pc:
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func asciiHexDecode(data []byte, _ *generic.DictionaryObject) ([]byte, error) {
	digits := make([]byte, 0, len(data))
	for _, c := range data {
		if c == '>' {
			break
		}
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == 0 {
			continue
		}
		digits = append(digits, c)
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out, nil
}

func ascii85Decode(data []byte, _ *generic.DictionaryObject) ([]byte, error) {
	data = bytes.TrimPrefix(bytes.TrimSpace(data), []byte("<~"))
	if i := bytes.Index(data, []byte("~>")); i >= 0 {
		data = data[:i]
	}
	out := make([]byte, 4*len(data)+4) // "z" expands to four bytes
	n, _, err := ascii85.Decode(out, data, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out[:n], nil
}

// FlateEncode compresses data; used for test fixtures and xref streams.
func FlateEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
