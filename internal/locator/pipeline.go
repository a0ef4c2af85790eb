package locator

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultIV is the counter block the locator has been observed to use.
const DefaultIV = "STOPSTOPSTOPSTOP"

// Stage is one step of a decode pipeline. key is the cipher key returned by
// the locator and is ignored by stages that don't need it.
type Stage interface {
	Name() string
	Apply(in []byte, key string) ([]byte, error)
}

type Base64Encode struct{}

func (Base64Encode) Name() string { return "base64-encode" }

func (Base64Encode) Apply(in []byte, _ string) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(in)))
	base64.StdEncoding.Encode(out, in)
	return out, nil
}

type Base64Decode struct{}

func (Base64Decode) Name() string { return "base64-decode" }

// Apply accepts padded and unpadded standard base64.
func (Base64Decode) Apply(in []byte, _ string) ([]byte, error) {
	text := string(bytes.TrimSpace(in))
	out, err := base64.StdEncoding.DecodeString(text)
	if err == nil {
		return out, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(text, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

// Rotate47 is the printable-ASCII rotation cipher.
type Rotate47 struct{}

func (Rotate47) Name() string { return "rotate47" }

func (Rotate47) Apply(in []byte, _ string) ([]byte, error) {
	return rotateBytes(in), nil
}

// Rotate applies the rotation cipher to s. Rotate(Rotate(s)) == s.
func Rotate(s string) string {
	return string(rotateBytes([]byte(s)))
}

func rotateBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, c := range in {
		if c >= 33 && c <= 126 {
			c = 33 + (c-33+47)%94
		}
		out[i] = c
	}
	return out
}

// AESCTR decrypts with the locator key. The key is used as its UTF-8 bytes,
// or hex-decoded when HexKey is set.
type AESCTR struct {
	IV     []byte
	HexKey bool
}

func (a AESCTR) Name() string {
	if a.HexKey {
		return "aes-ctr-hex"
	}
	return "aes-ctr"
}

func (a AESCTR) Apply(in []byte, key string) ([]byte, error) {
	keyBytes := []byte(key)
	if a.HexKey {
		var err error
		if keyBytes, err = hex.DecodeString(key); err != nil {
			return nil, fmt.Errorf("hex key: %w", err)
		}
	}
	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, err
	}
	if len(a.IV) != block.BlockSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", block.BlockSize(), len(a.IV))
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, a.IV).XORKeyStream(out, in)
	return out, nil
}

// Pipeline turns a raw locator response body into a media path.
type Pipeline struct {
	Version string
	Stages  []Stage
}

// Decode runs every stage in order and requires the result to be UTF-8.
func (p *Pipeline) Decode(raw []byte, key string) (string, error) {
	return p.run(p.Stages, raw, key)
}

// DecodeEncoded is Decode for input already in base64 text form, as clients
// of the decrypt endpoint send it. A leading base64-encode stage is skipped.
func (p *Pipeline) DecodeEncoded(encoded, key string) (string, error) {
	stages := p.Stages
	if len(stages) > 0 {
		if _, ok := stages[0].(Base64Encode); ok {
			stages = stages[1:]
		}
	}
	return p.run(stages, []byte(encoded), key)
}

func (p *Pipeline) run(stages []Stage, data []byte, key string) (string, error) {
	var err error
	for _, stage := range stages {
		data, err = stage.Apply(data, key)
		if err != nil {
			return "", &DecodeError{Version: p.Version, Stage: stage.Name(), Err: err}
		}
	}
	if !utf8.Valid(data) {
		return "", &DecodeError{Version: p.Version, Err: errors.New("result is not valid UTF-8")}
	}
	return string(data), nil
}

// StageNames lists the stage names in order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name()
	}
	return names
}

var versions = map[string]string{
	"v1":        "base64-encode,rotate47,base64-decode,aes-ctr",
	"v1-hexkey": "base64-encode,rotate47,base64-decode,aes-ctr-hex",
}

// Versions returns the registered pipeline version tags.
func Versions() []string {
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// NewPipeline builds a pipeline from a version tag or from a comma-separated
// list of stage names. iv defaults to DefaultIV.
func NewPipeline(spec, iv string) (*Pipeline, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = "v1"
	}
	if iv == "" {
		iv = DefaultIV
	}

	list, known := versions[spec]
	if !known {
		list = spec
	}

	var stages []Stage
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		switch name {
		case "base64-encode":
			stages = append(stages, Base64Encode{})
		case "base64-decode":
			stages = append(stages, Base64Decode{})
		case "rotate47":
			stages = append(stages, Rotate47{})
		case "aes-ctr":
			stages = append(stages, AESCTR{IV: []byte(iv)})
		case "aes-ctr-hex":
			stages = append(stages, AESCTR{IV: []byte(iv), HexKey: true})
		case "":
		default:
			return nil, fmt.Errorf("unknown decode stage %q", name)
		}
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("decode pipeline %q has no stages", spec)
	}
	return &Pipeline{Version: spec, Stages: stages}, nil
}
