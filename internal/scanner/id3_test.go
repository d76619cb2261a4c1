package scanner

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// Helpers for building minimal ID3v2.3-tagged files so extraction tests run
// against real tag parsing.

type testTags struct {
	title    string
	artist   string
	composer string
	comment  string
	picture  []byte // raw image bytes, JPEG or PNG
	picMIME  string
}

func id3Frame(id string, payload []byte) []byte {
	frame := make([]byte, 0, 10+len(payload))
	frame = append(frame, []byte(id)...)
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(len(payload)))
	frame = append(frame, size...)
	frame = append(frame, 0, 0) // flags
	return append(frame, payload...)
}

func textFrame(id, value string) []byte {
	payload := append([]byte{0}, []byte(value)...) // ISO-8859-1
	return id3Frame(id, payload)
}

func commentFrame(value string) []byte {
	payload := []byte{0}                          // encoding
	payload = append(payload, []byte("eng")...)   // language
	payload = append(payload, 0)                  // empty description
	payload = append(payload, []byte(value)...)
	return id3Frame("COMM", payload)
}

func pictureFrame(mime string, data []byte) []byte {
	payload := []byte{0}
	payload = append(payload, []byte(mime)...)
	payload = append(payload, 0)
	payload = append(payload, 3) // front cover
	payload = append(payload, 0) // empty description
	payload = append(payload, data...)
	return id3Frame("APIC", payload)
}

func synchsafe(n int) []byte {
	return []byte{
		byte(n >> 21 & 0x7F), byte(n >> 14 & 0x7F),
		byte(n >> 7 & 0x7F), byte(n & 0x7F),
	}
}

func buildID3(tags testTags) []byte {
	var frames []byte
	if tags.title != "" {
		frames = append(frames, textFrame("TIT2", tags.title)...)
	}
	if tags.artist != "" {
		frames = append(frames, textFrame("TPE1", tags.artist)...)
	}
	if tags.composer != "" {
		frames = append(frames, textFrame("TCOM", tags.composer)...)
	}
	if tags.comment != "" {
		frames = append(frames, commentFrame(tags.comment)...)
	}
	if len(tags.picture) > 0 {
		frames = append(frames, pictureFrame(tags.picMIME, tags.picture)...)
	}

	header := []byte("ID3")
	header = append(header, 3, 0, 0) // v2.3, no flags
	header = append(header, synchsafe(len(frames))...)
	return append(header, frames...)
}

// writeTaggedFile writes a tagged audio file into dir and returns its path.
func writeTaggedFile(t *testing.T, dir, name string, tags testTags) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := buildID3(tags)
	// Pad with a little fake audio payload after the tag.
	data = append(data, make([]byte, 256)...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// writeCorruptFile writes a file that no tag parser will recognize.
func writeCorruptFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("this is not audio data at all"), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil); err != nil {
		t.Fatalf("encoding jpeg: %v", err)
	}
	return buf.Bytes()
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}
