package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// headerSize is the size of the length prefix.
	headerSize = 4

	// MaxFrameSize bounds the length field of a single frame (kind + payload).
	MaxFrameSize = 16 << 20
)

var (
	// ErrUnknownKind is returned when a frame carries an unrecognised kind byte.
	ErrUnknownKind = errors.New("protocol: unknown packet kind")

	// ErrFrameTooLarge is returned when a frame length exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame too large")

	// ErrMalformed is returned for frames whose length or payload is inconsistent.
	ErrMalformed = errors.New("protocol: malformed frame")
)

// Marshal encodes p as a complete frame.
func Marshal(p Packet) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrMalformed)
	}
	payload, err := encodePayload(p)
	if err != nil {
		return nil, err
	}
	if len(payload)+1 > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload)+1)
	}
	frame := make([]byte, headerSize+1, headerSize+1+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)+1))
	frame[headerSize] = byte(p.Kind())
	return append(frame, payload...), nil
}

// Unmarshal decodes exactly one complete frame.
func Unmarshal(frame []byte) (Packet, error) {
	if len(frame) < headerSize+1 {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a header", ErrMalformed, len(frame))
	}
	n := binary.BigEndian.Uint32(frame)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if int(n) != len(frame)-headerSize {
		return nil, fmt.Errorf("%w: length field %d, frame body %d", ErrMalformed, n, len(frame)-headerSize)
	}
	return decodePayload(Kind(frame[headerSize]), frame[headerSize+1:])
}

// WriteFrame encodes p and writes it to w with a single Write call, so that
// message-oriented writers emit one message per frame.
func WriteFrame(w io.Writer, p Packet) error {
	frame, err := Marshal(p)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads and decodes the next frame from r. It returns io.EOF when r
// ends cleanly on a frame boundary and io.ErrUnexpectedEOF when it ends
// mid-frame.
func ReadFrame(r io.Reader) (Packet, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, fmt.Errorf("%w: zero length", ErrMalformed)
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return decodePayload(Kind(body[0]), body[1:])
}

// ---- payload encoding ----

func encodePayload(p Packet) ([]byte, error) {
	var b []byte
	switch v := p.(type) {
	case PartialResult:
		b = appendString(b, 1, v.Text)
		b = appendString(b, 2, v.Language)
		b = appendDuration(b, 3, v.Offset)
		b = appendDuration(b, 4, v.Duration)
		b = appendTranslations(b, 5, v.Translations)
	case FinalResult:
		b = appendString(b, 1, v.Text)
		b = appendVarint(b, 2, uint64(v.Reason))
		b = appendDuration(b, 3, v.Offset)
		b = appendDuration(b, 4, v.Duration)
		b = appendTranslations(b, 5, v.Translations)
	case SynthesisAudio:
		b = appendBytes(b, 1, v.Audio)
	case ServiceError:
		b = appendString(b, 1, v.Code)
		b = appendString(b, 2, v.Detail)
	case AudioData:
		b = appendBytes(b, 1, v.Audio)
	case SessionConfig:
		b = appendString(b, 1, v.SessionID)
		b = appendString(b, 2, v.SourceLanguage)
		for _, t := range v.TargetLanguages {
			b = protowire.AppendTag(b, 3, protowire.BytesType)
			b = protowire.AppendString(b, t)
		}
		b = appendString(b, 4, v.VoiceName)
		b = appendString(b, 5, v.Codec)
		b = appendVarint(b, 6, uint64(v.SampleRate))
		b = appendVarint(b, 7, uint64(v.Channels))
	case EndOfAudio:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, p)
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDuration(b []byte, num protowire.Number, d time.Duration) []byte {
	return appendVarint(b, num, protowire.EncodeZigZag(int64(d)))
}

func appendTranslations(b []byte, num protowire.Number, ts []Translation) []byte {
	for _, t := range ts {
		var m []byte
		m = appendString(m, 1, t.Language)
		m = appendString(m, 2, t.Text)
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// ---- payload decoding ----

func decodePayload(k Kind, payload []byte) (Packet, error) {
	var (
		p   Packet
		err error
	)
	switch k {
	case KindPartialResult:
		var v PartialResult
		err = walk(payload, func(f *field) {
			switch f.num {
			case 1:
				v.Text = f.string()
			case 2:
				v.Language = f.string()
			case 3:
				v.Offset = f.duration()
			case 4:
				v.Duration = f.duration()
			case 5:
				v.Translations = append(v.Translations, f.translation())
			}
		})
		p = v
	case KindFinalResult:
		var v FinalResult
		err = walk(payload, func(f *field) {
			switch f.num {
			case 1:
				v.Text = f.string()
			case 2:
				v.Reason = ResultReason(f.varint())
			case 3:
				v.Offset = f.duration()
			case 4:
				v.Duration = f.duration()
			case 5:
				v.Translations = append(v.Translations, f.translation())
			}
		})
		p = v
	case KindSynthesisAudio:
		var v SynthesisAudio
		err = walk(payload, func(f *field) {
			if f.num == 1 {
				v.Audio = f.bytes()
			}
		})
		p = v
	case KindServiceError:
		var v ServiceError
		err = walk(payload, func(f *field) {
			switch f.num {
			case 1:
				v.Code = f.string()
			case 2:
				v.Detail = f.string()
			}
		})
		p = v
	case KindAudioData:
		var v AudioData
		err = walk(payload, func(f *field) {
			if f.num == 1 {
				v.Audio = f.bytes()
			}
		})
		p = v
	case KindSessionConfig:
		var v SessionConfig
		err = walk(payload, func(f *field) {
			switch f.num {
			case 1:
				v.SessionID = f.string()
			case 2:
				v.SourceLanguage = f.string()
			case 3:
				v.TargetLanguages = append(v.TargetLanguages, f.string())
			case 4:
				v.VoiceName = f.string()
			case 5:
				v.Codec = f.string()
			case 6:
				v.SampleRate = uint32(f.varint())
			case 7:
				v.Channels = uint32(f.varint())
			}
		})
		p = v
	case KindEndOfAudio:
		err = walk(payload, func(*field) {})
		p = EndOfAudio{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, k, err)
	}
	return p, nil
}

// field is the cursor handed to a walk callback. Accessors consume the
// field's value; a field the callback does not consume is skipped.
type field struct {
	num      protowire.Number
	typ      protowire.Type
	b        []byte
	n        int
	consumed bool
}

func (f *field) string() string {
	if f.typ != protowire.BytesType {
		return ""
	}
	v, n := protowire.ConsumeString(f.b)
	f.n, f.consumed = n, true
	return v
}

// bytes returns a copy of the field's bytes; empty values decode as nil.
func (f *field) bytes() []byte {
	if f.typ != protowire.BytesType {
		return nil
	}
	v, n := protowire.ConsumeBytes(f.b)
	f.n, f.consumed = n, true
	if n < 0 || len(v) == 0 {
		return nil
	}
	return append([]byte(nil), v...)
}

func (f *field) varint() uint64 {
	if f.typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(f.b)
	f.n, f.consumed = n, true
	return v
}

func (f *field) duration() time.Duration {
	return time.Duration(protowire.DecodeZigZag(f.varint()))
}

func (f *field) translation() Translation {
	var t Translation
	m := f.bytes()
	if f.n < 0 {
		return t
	}
	if err := walk(m, func(sub *field) {
		switch sub.num {
		case 1:
			t.Language = sub.string()
		case 2:
			t.Text = sub.string()
		}
	}); err != nil {
		f.n = -1
	}
	return t
}

// walk iterates over the protobuf-wire fields of b.
func walk(b []byte, fn func(*field)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := &field{num: num, typ: typ, b: b}
		fn(f)
		if !f.consumed {
			f.n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if f.n < 0 {
			return protowire.ParseError(f.n)
		}
		b = b[f.n:]
	}
	return nil
}
