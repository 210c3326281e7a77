package meta

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ImageVersion is stamped into every encoded program image.
const ImageVersion = 1

// Image is the on-disk form of a Program: a versioned CBOR document.
type Image struct {
	Version int      `cbor:"1,keyasint"`
	Program *Program `cbor:"2,keyasint"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("meta: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// EncodeImage serializes a program to CBOR bytes.
func EncodeImage(p *Program) ([]byte, error) {
	return cborEncMode.Marshal(&Image{Version: ImageVersion, Program: p})
}

// DecodeImage deserializes and indexes a program image.
func DecodeImage(data []byte) (*Program, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("meta: unmarshal image: %w", err)
	}
	if img.Version != ImageVersion {
		return nil, fmt.Errorf("meta: image version %d, want %d", img.Version, ImageVersion)
	}
	if img.Program == nil {
		return nil, fmt.Errorf("meta: image has no program")
	}
	if err := img.Program.Index(); err != nil {
		return nil, err
	}
	return img.Program, nil
}

// LoadImage reads a program image from disk.
func LoadImage(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("meta: cannot read %s: %w", path, err)
	}
	p, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
