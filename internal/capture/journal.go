package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
)

// journalMagic identifies a segment journal stream (after decompression).
var journalMagic = [4]byte{'R', 'L', 'J', '1'}

// ErrBadJournal is returned when a journal header or record is corrupt.
var ErrBadJournal = errors.New("corrupt segment journal")

// maxJournalPayload bounds a single record so a corrupt length cannot trigger
// a huge allocation.
const maxJournalPayload = 1 << 20

const (
	flagSYN = 1 << iota
	flagACK
	flagPSH
	flagFIN
	flagRST
)

func packFlags(f Flags) byte {
	var b byte
	if f.SYN {
		b |= flagSYN
	}
	if f.ACK {
		b |= flagACK
	}
	if f.PSH {
		b |= flagPSH
	}
	if f.FIN {
		b |= flagFIN
	}
	if f.RST {
		b |= flagRST
	}
	return b
}

func unpackFlags(b byte) Flags {
	return Flags{
		SYN: b&flagSYN != 0,
		ACK: b&flagACK != 0,
		PSH: b&flagPSH != 0,
		FIN: b&flagFIN != 0,
		RST: b&flagRST != 0,
	}
}

// recordHeader is the fixed part of a journal record.
type recordHeader struct {
	UnixNano   int64
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	Flags      byte
	PayloadLen uint32
}

// JournalWriter records segments into a zstd-compressed journal so a session
// can be replayed later without libpcap.
type JournalWriter struct {
	enc     *zstd.Encoder
	buf     *bufio.Writer
	closer  io.Closer
	records int
}

// NewJournalWriter writes a journal to w. Closing the JournalWriter flushes
// the compressed stream and closes w if it is an io.Closer.
func NewJournalWriter(w io.Writer) (*JournalWriter, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	jw := &JournalWriter{enc: enc, buf: bufio.NewWriter(enc)}
	if c, ok := w.(io.Closer); ok {
		jw.closer = c
	}
	if _, err := jw.buf.Write(journalMagic[:]); err != nil {
		return nil, fmt.Errorf("failed to write journal header: %w", err)
	}
	return jw, nil
}

// CreateJournal creates (or truncates) a journal file at path.
func CreateJournal(path string) (*JournalWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal %s: %w", path, err)
	}
	jw, err := NewJournalWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return jw, nil
}

// Write appends one segment to the journal.
func (j *JournalWriter) Write(seg Segment) error {
	hdr := recordHeader{
		SrcPort:    seg.SrcPort,
		DstPort:    seg.DstPort,
		Seq:        seg.Seq,
		Ack:        seg.Ack,
		Flags:      packFlags(seg.Flags),
		PayloadLen: uint32(len(seg.Payload)),
	}
	if !seg.Timestamp.IsZero() {
		hdr.UnixNano = seg.Timestamp.UnixNano()
	}
	if err := binary.Write(j.buf, binary.BigEndian, hdr); err != nil {
		return fmt.Errorf("failed to write journal record: %w", err)
	}
	if _, err := j.buf.Write(seg.Payload); err != nil {
		return fmt.Errorf("failed to write journal payload: %w", err)
	}
	j.records++
	return nil
}

// Records returns the number of segments written so far.
func (j *JournalWriter) Records() int {
	return j.records
}

// Close flushes and closes the journal.
func (j *JournalWriter) Close() error {
	if err := j.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := j.enc.Close(); err != nil {
		return fmt.Errorf("failed to close zstd encoder: %w", err)
	}
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

// journalSource replays a journal as a Source.
type journalSource struct {
	dec    *zstd.Decoder
	r      *bufio.Reader
	closer io.Closer
}

// NewJournalSource reads a journal from r.
func NewJournalSource(r io.Reader) (Source, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	br := bufio.NewReader(dec)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		dec.Close()
		return nil, fmt.Errorf("%w: missing header: %v", ErrBadJournal, err)
	}
	if magic != journalMagic {
		dec.Close()
		return nil, fmt.Errorf("%w: unexpected header %q", ErrBadJournal, magic[:])
	}
	js := &journalSource{dec: dec, r: br}
	if c, ok := r.(io.Closer); ok {
		js.closer = c
	}
	return js, nil
}

// OpenJournal opens a journal file for replay.
func OpenJournal(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	src, err := NewJournalSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return src, nil
}

func (j *journalSource) Next(ctx context.Context) (Segment, error) {
	if err := ctx.Err(); err != nil {
		return Segment{}, err
	}
	var hdr recordHeader
	if err := binary.Read(j.r, binary.BigEndian, &hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return Segment{}, io.EOF
		}
		return Segment{}, fmt.Errorf("%w: truncated record header: %v", ErrBadJournal, err)
	}
	if hdr.PayloadLen > maxJournalPayload {
		return Segment{}, fmt.Errorf("%w: payload length %d exceeds %d", ErrBadJournal, hdr.PayloadLen, maxJournalPayload)
	}
	payload := make([]byte, hdr.PayloadLen)
	if _, err := io.ReadFull(j.r, payload); err != nil {
		return Segment{}, fmt.Errorf("%w: truncated payload: %v", ErrBadJournal, err)
	}
	seg := Segment{
		SrcPort: hdr.SrcPort,
		DstPort: hdr.DstPort,
		Seq:     hdr.Seq,
		Ack:     hdr.Ack,
		Flags:   unpackFlags(hdr.Flags),
		Payload: payload,
	}
	if hdr.UnixNano != 0 {
		seg.Timestamp = time.Unix(0, hdr.UnixNano)
	}
	return seg, nil
}

func (j *journalSource) Close() error {
	j.dec.Close()
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

// Tee wraps a Source so every segment it yields is also written to the
// journal. Journal write failures are returned from Next, since a silently
// truncated journal would be misleading on replay.
func Tee(src Source, journal *JournalWriter) Source {
	return &teeSource{src: src, journal: journal}
}

type teeSource struct {
	src     Source
	journal *JournalWriter
}

func (t *teeSource) Next(ctx context.Context) (Segment, error) {
	seg, err := t.src.Next(ctx)
	if err != nil {
		return seg, err
	}
	if err := t.journal.Write(seg); err != nil {
		return seg, err
	}
	return seg, nil
}

func (t *teeSource) Close() error {
	srcErr := t.src.Close()
	if err := t.journal.Close(); err != nil {
		return err
	}
	return srcErr
}
