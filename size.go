package speedfile

import (
	"fmt"
	"math"
	"math/bits"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrMalformedSize  = errors.New("malformed size")
	ErrSizeOutOfRange = errors.New("size out of range")
)

// Magnitude, then either a bare B or K/M/G/T with optional binary "i" and optional
// trailing B, then a non-empty extension.
var sizeRegex = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)(?:(B)|([KMGT])(i)?B?)\.([^/]+)$`)

type Unit int

const (
	UnitB Unit = iota
	UnitK
	UnitM
	UnitG
	UnitT
)

func (u Unit) String() string {
	return [...]string{"B", "K", "M", "G", "T"}[u]
}

// Power of the multiplier: 0 for B up to 4 for T
func (u Unit) Power() int {
	return int(u)
}

func unitFromLetter(l string) Unit {
	switch strings.ToUpper(l) {
	case "K":
		return UnitK
	case "M":
		return UnitM
	case "G":
		return UnitG
	case "T":
		return UnitT
	}
	return UnitB
}

// A parsed size token like 10MB.bin or 2GiB.iso
type SizeSpec struct {
	Token     string
	Magnitude float64
	Unit      Unit
	Binary    bool
	Extension string
	Bytes     uint64
}

func (s *SizeSpec) Multiplier() uint64 {
	base := uint64(1000)
	if s.Binary {
		base = 1024
	}
	m := uint64(1)
	for i := 0; i < s.Unit.Power(); i++ {
		m *= base
	}
	return m
}

// Parse a path segment (no leading slash) into a SizeSpec. Resolved sizes of 0
// or above max are out of range; a max of 0 means there is no upper limit.
func ParseSize(token string, max uint64) (*SizeSpec, error) {
	match := sizeRegex.FindStringSubmatch(token)
	if match == nil {
		return nil, errors.Wrapf(ErrMalformedSize, "%q", token)
	}
	spec := SizeSpec{
		Token:     token,
		Binary:    match[4] != "",
		Extension: match[5],
	}
	if match[2] == "" {
		spec.Unit = unitFromLetter(match[3])
	}
	number := match[1]
	var err error
	spec.Magnitude, err = strconv.ParseFloat(number, 64)
	if errors.Is(err, strconv.ErrRange) && math.IsInf(spec.Magnitude, 1) {
		return nil, &TooLargeError{Size: math.MaxUint64, Max: max}
	}
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedSize, "%q: %s", token, err)
	}
	if spec.Magnitude == 0 {
		return nil, errors.Wrapf(ErrSizeOutOfRange, "%q is zero", token)
	}

	mult := spec.Multiplier()
	if strings.Contains(number, ".") {
		total := math.Floor(spec.Magnitude * float64(mult))
		if total >= math.MaxUint64 {
			return nil, &TooLargeError{Size: math.MaxUint64, Max: max}
		}
		spec.Bytes = uint64(total)
	} else {
		mag, err := strconv.ParseUint(number, 10, 64)
		if err != nil {
			return nil, &TooLargeError{Size: math.MaxUint64, Max: max}
		}
		hi, lo := bits.Mul64(mag, mult)
		if hi != 0 {
			return nil, &TooLargeError{Size: math.MaxUint64, Max: max}
		}
		spec.Bytes = lo
	}

	if spec.Bytes == 0 {
		return nil, errors.Wrapf(ErrSizeOutOfRange, "%q resolves to zero bytes", token)
	}
	if max > 0 && spec.Bytes > max {
		return nil, &TooLargeError{Size: spec.Bytes, Max: max}
	}
	return &spec, nil
}

// Returned when a token is valid but resolves above the configured maximum,
// or above what fits in 64 bits at all (Size is then math.MaxUint64).
type TooLargeError struct {
	Size uint64
	Max  uint64
}

func (e *TooLargeError) Error() string {
	if e.Size == math.MaxUint64 {
		return fmt.Sprintf("size overflows 64 bits: %s", ErrSizeOutOfRange)
	}
	return fmt.Sprintf("size %d exceeds maximum %d: %s", e.Size, e.Max, ErrSizeOutOfRange)
}

func (e *TooLargeError) Unwrap() error {
	return ErrSizeOutOfRange
}
