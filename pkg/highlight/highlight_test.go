package highlight

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkbox(kind string, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	out := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(out, uint32(8+len(body)))
	copy(out[4:], kind)
	return append(out, body...)
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func gpmfPayload(stamps ...uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("DEVC")
	buf.Write(be32(0))
	buf.WriteString("High")
	buf.WriteString("ligh")
	buf.WriteString("HLMT")
	for _, ms := range stamps {
		buf.Write(be32(ms))
		buf.Write(make([]byte, 12))
		buf.WriteString("MANL")
	}
	return buf.Bytes()
}

func container(udta []byte) []byte {
	return bytes.Join([][]byte{
		mkbox("ftyp", []byte("mp41"), be32(0)),
		mkbox("mdat", make([]byte, 32)),
		mkbox("moov", mkbox("mvhd", make([]byte, 16)), mkbox("udta", udta)),
	}, nil)
}

func TestParseGPMFRoundTrip(t *testing.T) {
	data := container(bytes.Join([][]byte{
		mkbox("FIRM", []byte("HD9.01")),
		mkbox("GPMF", gpmfPayload(12500, 3000, 61250)),
	}, nil))

	got, err := ParseReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 12.5, 61.25}, got)
}

func TestParseGPMFRequiresHighlightGate(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("HLMT")
	buf.Write(be32(5000))
	buf.Write(make([]byte, 12))
	buf.WriteString("MANL")

	got, err := ParseReader(bytes.NewReader(container(mkbox("GPMF", buf.Bytes()))))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseGPMFSkipsZeroStamp(t *testing.T) {
	data := container(mkbox("GPMF", gpmfPayload(0, 4000)))

	got, err := ParseReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []float64{4}, got)
}

func TestParseHMMTFallback(t *testing.T) {
	hmmt := mkbox("HMMT", be32(3), be32(1500), be32(9000), be32(42000), be32(0), be32(77000))
	data := container(hmmt)

	got, err := ParseReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 9, 42}, got)
}

func TestParseStructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{
			name: "ftyp not first",
			data: bytes.Join([][]byte{mkbox("mdat", make([]byte, 4)), mkbox("ftyp", []byte("mp41"))}, nil),
			want: ErrNoFtyp,
		},
		{
			name: "no moov",
			data: mkbox("ftyp", []byte("mp41")),
			want: ErrNoMoov,
		},
		{
			name: "no udta",
			data: bytes.Join([][]byte{mkbox("ftyp", []byte("mp41")), mkbox("moov", mkbox("mvhd"))}, nil),
			want: ErrNoUdta,
		},
		{
			name: "no highlight box",
			data: container(mkbox("FIRM", []byte("HD5"))),
			want: ErrNoHighlightBox,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReader(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseLargeSizeBox(t *testing.T) {
	ftyp := mkbox("ftyp", []byte("mp41"))
	mdatBody := make([]byte, 8)
	large := make([]byte, 16)
	binary.BigEndian.PutUint32(large, 1)
	copy(large[4:], "mdat")
	binary.BigEndian.PutUint64(large[8:], uint64(16+len(mdatBody)))
	moov := mkbox("moov", mkbox("udta", mkbox("HMMT", be32(1), be32(2000), be32(0))))
	data := bytes.Join([][]byte{ftyp, large, mdatBody, moov}, nil)

	got, err := ParseReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, got)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "GX010001.MP4")
	require.NoError(t, os.WriteFile(path, container(mkbox("GPMF", gpmfPayload(1000))), 0o644))

	got, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, got)

	_, err = Parse(filepath.Join(t.TempDir(), "missing.MP4"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "0:00:03.000", FormatTimestamp(3))
	assert.Equal(t, "1:01:01.250", FormatTimestamp(3661.25))
	assert.Equal(t, "0:12:00.500", FormatTimestamp(720.5))
}

func TestReport(t *testing.T) {
	assert.Equal(t, "GX010001\n(1): 0:00:01.500\n(2): 0:01:00.000\n\n", Report("GX010001", []float64{1.5, 60}))
	assert.Equal(t, "GX010001\n\n", Report("GX010001", nil))
}
