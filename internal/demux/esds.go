package demux

import (
	"bytes"
	"fmt"

	gomp4 "github.com/abema/go-mp4"
)

// MPEG-4 descriptor tags (ISO 14496-1 §7.2.2.1).
const (
	tagESDescriptor      = 0x03
	tagDecoderConfig     = 0x04
	tagDecoderSpecificIn = 0x05
)

// ExtractAudioSpecificConfig pulls the AudioSpecificConfig payload out of
// a raw esds box. Input is the whole box: 8-byte header, 4-byte
// version/flags, then the descriptor hierarchy
// ES_Descriptor(0x03) > DecoderConfigDescriptor(0x04) >
// DecoderSpecificInfo(0x05). The returned bytes are the 0x05 descriptor's
// payload only; handing the decoder the outer box is a configuration
// error on every known AAC decoder.
func ExtractAudioSpecificConfig(esds []byte) ([]byte, error) {
	const headerLen = 8 + 4 // box header + full-box version/flags
	if len(esds) < headerLen {
		return nil, fmt.Errorf("esds too short: %d bytes", len(esds))
	}
	pos := headerLen

	// ES_Descriptor: tag, size, ES_ID (2 bytes), streamDependence/URL/OCR
	// flags (1 byte, assumed clear).
	pos, _, err := openDescriptor(esds, pos, tagESDescriptor)
	if err != nil {
		return nil, err
	}
	pos += 3

	// DecoderConfigDescriptor: tag, size, then 13 bytes of object type,
	// stream type + buffer size, max bitrate, avg bitrate.
	pos, _, err = openDescriptor(esds, pos, tagDecoderConfig)
	if err != nil {
		return nil, err
	}
	pos += 13

	pos, size, err := openDescriptor(esds, pos, tagDecoderSpecificIn)
	if err != nil {
		return nil, err
	}
	if pos+size > len(esds) {
		return nil, fmt.Errorf("decoder specific info truncated: need %d bytes, have %d", size, len(esds)-pos)
	}
	return append([]byte(nil), esds[pos:pos+size]...), nil
}

// openDescriptor verifies the tag at pos and decodes the expandable size
// field (base-128, high bit continues). Returns the position just past
// the size field and the decoded size.
func openDescriptor(buf []byte, pos int, wantTag byte) (int, int, error) {
	if pos >= len(buf) {
		return 0, 0, fmt.Errorf("descriptor 0x%02x: truncated at offset %d", wantTag, pos)
	}
	if buf[pos] != wantTag {
		return 0, 0, fmt.Errorf("descriptor 0x%02x: found tag 0x%02x at offset %d", wantTag, buf[pos], pos)
	}
	pos++

	size := 0
	for i := 0; i < 4; i++ {
		if pos >= len(buf) {
			return 0, 0, fmt.Errorf("descriptor 0x%02x: size field truncated", wantTag)
		}
		b := buf[pos]
		pos++
		size = size<<7 | int(b&0x7F)
		if b&0x80 == 0 {
			return pos, size, nil
		}
	}
	return 0, 0, fmt.Errorf("descriptor 0x%02x: size field longer than 4 bytes", wantTag)
}

// extractASCFromInit locates the esds box inside an init segment and
// returns the AudioSpecificConfig payload.
func extractASCFromInit(init []byte) ([]byte, error) {
	r := bytes.NewReader(init)
	boxes, err := gomp4.ExtractBox(r, nil, gomp4.BoxPath{
		gomp4.BoxTypeMoov(),
		gomp4.BoxTypeTrak(),
		gomp4.BoxTypeMdia(),
		gomp4.BoxTypeMinf(),
		gomp4.BoxTypeStbl(),
		gomp4.BoxTypeStsd(),
		gomp4.StrToBoxType("mp4a"),
		gomp4.StrToBoxType("esds"),
	})
	if err != nil {
		return nil, fmt.Errorf("walk init boxes: %w", err)
	}
	if len(boxes) == 0 {
		return nil, fmt.Errorf("no esds box in init segment")
	}

	info := boxes[0]
	start := int(info.Offset)
	end := start + int(info.Size)
	if start < 0 || end > len(init) {
		return nil, fmt.Errorf("esds box out of range: offset %d size %d", info.Offset, info.Size)
	}
	return ExtractAudioSpecificConfig(init[start:end])
}
