package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"
)

func samplePackets() []Packet {
	return []Packet{
		PartialResult{
			Text:     "hello wor",
			Language: "en-US",
			Offset:   1500 * time.Millisecond,
			Duration: 700 * time.Millisecond,
			Translations: []Translation{
				{Language: "de", Text: "hallo Wel"},
				{Language: "fr", Text: "bonjour"},
			},
		},
		PartialResult{Text: "only text"},
		FinalResult{
			Text:     "hello world",
			Reason:   ReasonTranslatedSpeech,
			Offset:   1500 * time.Millisecond,
			Duration: 1200 * time.Millisecond,
			Translations: []Translation{
				{Language: "de", Text: "hallo Welt"},
			},
		},
		FinalResult{Reason: ReasonNoMatch},
		SynthesisAudio{Audio: []byte{0x01, 0x02, 0x03, 0xff}},
		SynthesisAudio{},
		ServiceError{Code: "AuthenticationFailure", Detail: "key expired"},
		AudioData{Audio: bytes.Repeat([]byte{0x7f, 0x00}, 320)},
		SessionConfig{
			SessionID:       "a3b1c2",
			SourceLanguage:  "en-US",
			TargetLanguages: []string{"de", "fr", "ja"},
			VoiceName:       "de-DE-AmalaNeural",
			Codec:           "opus",
			SampleRate:      16000,
			Channels:        1,
		},
		EndOfAudio{},
	}
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	t.Parallel()
	for _, p := range samplePackets() {
		t.Run(p.Kind().String(), func(t *testing.T) {
			frame, err := Marshal(p)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if got := Kind(frame[headerSize]); got != p.Kind() {
				t.Errorf("kind byte = %s, want %s", got, p.Kind())
			}
			if n := binary.BigEndian.Uint32(frame); int(n) != len(frame)-headerSize {
				t.Errorf("length field = %d, want %d", n, len(frame)-headerSize)
			}
			got, err := Unmarshal(frame)
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, p) {
				t.Errorf("round trip mismatch:\n got  %#v\n want %#v", got, p)
			}
		})
	}
}

func TestReadWriteFrame_Stream(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	packets := samplePackets()
	for _, p := range packets {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame(%s): %v", p.Kind(), err)
		}
	}

	for i, want := range packets {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame #%d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("frame #%d: got %#v, want %#v", i, got, want)
		}
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("after last frame: err = %v, want io.EOF", err)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	t.Parallel()
	frame, err := Marshal(ServiceError{Code: "x", Detail: "y"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"partial header", frame[:2], io.ErrUnexpectedEOF},
		{"partial body", frame[:len(frame)-1], io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	t.Parallel()

	unknown := []byte{0, 0, 0, 1, 0x7e}
	if _, err := Unmarshal(unknown); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown kind: err = %v, want ErrUnknownKind", err)
	}

	short := []byte{0, 0}
	if _, err := Unmarshal(short); !errors.Is(err, ErrMalformed) {
		t.Errorf("short frame: err = %v, want ErrMalformed", err)
	}

	mismatch := []byte{0, 0, 0, 9, byte(KindEndOfAudio)}
	if _, err := Unmarshal(mismatch); !errors.Is(err, ErrMalformed) {
		t.Errorf("length mismatch: err = %v, want ErrMalformed", err)
	}

	// Field 1 claims 10 bytes of string but the payload ends after 1.
	badPayload := []byte{0, 0, 0, 4, byte(KindServiceError), 0x0a, 0x0a, 'x'}
	if _, err := Unmarshal(badPayload); !errors.Is(err, ErrMalformed) {
		t.Errorf("bad payload: err = %v, want ErrMalformed", err)
	}

	huge := []byte{0xff, 0xff, 0xff, 0xff, byte(KindAudioData)}
	if _, err := ReadFrame(bytes.NewReader(huge)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("huge frame: err = %v, want ErrFrameTooLarge", err)
	}
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	t.Parallel()
	frame, err := Marshal(ServiceError{Code: "Throttled", Detail: "slow down"})
	if err != nil {
		t.Fatal(err)
	}
	// Append field 15 (varint 42) and patch the length.
	frame = append(frame, 15<<3, 42)
	binary.BigEndian.PutUint32(frame, uint32(len(frame)-headerSize))

	got, err := Unmarshal(frame)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := ServiceError{Code: "Throttled", Detail: "slow down"}
	if got != want {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestKind_Outbound(t *testing.T) {
	t.Parallel()
	outbound := []Kind{KindAudioData, KindSessionConfig, KindEndOfAudio}
	inbound := []Kind{KindPartialResult, KindFinalResult, KindSynthesisAudio, KindServiceError}
	for _, k := range outbound {
		if !k.Outbound() {
			t.Errorf("%s should be outbound", k)
		}
	}
	for _, k := range inbound {
		if k.Outbound() {
			t.Errorf("%s should be inbound", k)
		}
	}
	if s := Kind(0x7e).String(); s != "Kind(0x7e)" {
		t.Errorf("unknown kind string = %q", s)
	}
}
