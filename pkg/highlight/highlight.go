// Package highlight reads camera highlight markers from GoPro MP4 containers.
//
// Two layouts exist. Hero6 and later firmware store a GPMF payload inside
// moov/udta where each manual highlight is a MANL tag preceded by its
// millisecond timestamp. Older firmware store a dense HMMT table of
// millisecond timestamps terminated by zero.
package highlight

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

const (
	boxHeaderSize      = 8
	largeBoxHeaderSize = 16

	// MANL is preceded by its timestamp; after reading the tag the reader
	// sits 4 bytes past its start, so the stamp is 20 bytes back.
	manualStampOffset = 20
	hmmtPayloadOffset = 12
)

var (
	ErrNoFtyp         = errors.New("no ftyp box at offset 0")
	ErrNoMoov         = errors.New("no moov box")
	ErrNoUdta         = errors.New("no udta box in moov")
	ErrNoHighlightBox = errors.New("neither GPMF nor HMMT box in udta")
)

type box struct {
	start int64
	end   int64
}

// Parse opens path and returns highlight offsets in seconds, ascending.
func Parse(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseReader(f)
}

func ParseReader(r io.ReadSeeker) ([]float64, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	top, err := findBoxes(r, 0, size)
	if err != nil {
		return nil, err
	}
	ftyp, ok := top["ftyp"]
	if !ok || ftyp.start != 0 {
		return nil, ErrNoFtyp
	}

	moov, ok := top["moov"]
	if !ok {
		return nil, ErrNoMoov
	}
	inMoov, err := findBoxes(r, moov.start+boxHeaderSize, moov.end)
	if err != nil {
		return nil, err
	}
	udta, ok := inMoov["udta"]
	if !ok {
		return nil, ErrNoUdta
	}
	inUdta, err := findBoxes(r, udta.start+boxHeaderSize, udta.end)
	if err != nil {
		return nil, err
	}

	var stamps []uint32
	if gpmf, ok := inUdta["GPMF"]; ok {
		stamps, err = scanGPMF(r, gpmf)
	} else if hmmt, ok := inUdta["HMMT"]; ok {
		stamps, err = scanHMMT(r, hmmt)
	} else {
		return nil, ErrNoHighlightBox
	}
	if err != nil {
		return nil, err
	}

	out := make([]float64, 0, len(stamps))
	for _, ms := range stamps {
		out = append(out, float64(ms)/1000)
	}
	sort.Float64s(out)

	return out, nil
}

// findBoxes indexes the sibling boxes in [start, end). It does not recurse.
func findBoxes(r io.ReadSeeker, start, end int64) (map[string]box, error) {
	boxes := map[string]box{}
	header := make([]byte, boxHeaderSize)
	large := make([]byte, 8)

	for pos := start; pos+boxHeaderSize <= end; {
		if _, err := r.Seek(pos, io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, header); err != nil {
			break
		}

		length := int64(binary.BigEndian.Uint32(header[:4]))
		kind := string(header[4:])
		headerLen := int64(boxHeaderSize)
		switch length {
		case 0:
			length = end - pos
		case 1:
			if _, err := io.ReadFull(r, large); err != nil {
				return boxes, nil
			}
			ext := binary.BigEndian.Uint64(large)
			if ext > math.MaxInt64 {
				return boxes, nil
			}
			length = int64(ext)
			headerLen = largeBoxHeaderSize
		}
		if length < headerLen {
			break
		}

		boxes[kind] = box{start: pos, end: pos + length}
		pos += length
	}

	return boxes, nil
}

func scanGPMF(r io.ReadSeeker, gpmf box) ([]uint32, error) {
	if _, err := r.Seek(gpmf.start+boxHeaderSize, io.SeekStart); err != nil {
		return nil, err
	}

	var (
		stamps       []uint32
		inHighlights bool
		inHLMT       bool
		word         = make([]byte, 4)
	)
	for {
		pos, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		if pos >= gpmf.end {
			break
		}
		if _, err := io.ReadFull(r, word); err != nil {
			break
		}

		tag := string(word)
		if tag == "High" && !inHighlights {
			if _, err := io.ReadFull(r, word); err != nil {
				break
			}
			tag = string(word)
			if tag == "ligh" {
				inHighlights = true
			}
		}
		if tag == "HLMT" && inHighlights && !inHLMT {
			inHLMT = true
		}
		if tag == "MANL" && inHighlights && inHLMT {
			cur, err := r.Seek(0, io.SeekCurrent)
			if err != nil {
				return nil, err
			}
			if _, err := r.Seek(cur-manualStampOffset, io.SeekStart); err != nil {
				return nil, fmt.Errorf("seek to MANL stamp: %w", err)
			}
			if _, err := io.ReadFull(r, word); err == nil {
				if ms := binary.BigEndian.Uint32(word); ms > 0 {
					stamps = append(stamps, ms)
				}
			}
			if _, err := r.Seek(cur, io.SeekStart); err != nil {
				return nil, err
			}
		}
	}

	return stamps, nil
}

func scanHMMT(r io.ReadSeeker, hmmt box) ([]uint32, error) {
	if _, err := r.Seek(hmmt.start+hmmtPayloadOffset, io.SeekStart); err != nil {
		return nil, err
	}

	var stamps []uint32
	word := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, word); err != nil {
			break
		}
		ms := binary.BigEndian.Uint32(word)
		if ms == 0 {
			break
		}
		stamps = append(stamps, ms)
	}

	return stamps, nil
}

// FormatTimestamp renders seconds as H:MM:SS.mmm.
func FormatTimestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	h := int(sec / 3600)
	rem := sec - float64(h*3600)
	m := int(rem / 60)
	s := rem - float64(m*60)
	return fmt.Sprintf("%d:%02d:%06.3f", h, m, s)
}

// Report is the GP-Highlights text file body: the file name followed by one
// numbered line per highlight.
func Report(name string, highlights []float64) string {
	out := name + "\n"
	for i, h := range highlights {
		out += fmt.Sprintf("(%d): %s\n", i+1, FormatTimestamp(h))
	}
	return out + "\n"
}
