package snapshot

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/districts/bucket"
	"github.com/hupe1980/districts/dataset"
)

// FormatVersion is the archive layout written by this package.
const FormatVersion = 1

// WeightEncoding names how row weights are stored.
const WeightEncoding = "uint64"

// Reflection is the convention used to obtain the right half.
type Reflection string

const (
	// ReflectionReuse matches one store against itself.
	ReflectionReuse Reflection = "reuse"
	// ReflectionRerun enumerates the mirrored half separately and matches
	// the two stores in order.
	ReflectionRerun Reflection = "rerun"
)

// ParseReflection maps a configuration name to a Reflection.
func ParseReflection(s string) (Reflection, error) {
	switch r := Reflection(s); r {
	case "":
		return ReflectionReuse, nil
	case ReflectionReuse, ReflectionRerun:
		return r, nil
	default:
		return "", fmt.Errorf("snapshot: unknown reflection convention %q", s)
	}
}

// Half describes one stored bucket store.
type Half struct {
	Buckets     int    `json:"buckets"`
	Rows        int    `json:"rows"`
	TotalWeight string `json:"total_weight"`
}

func describe(s *bucket.Store) Half {
	return Half{Buckets: s.Len(), Rows: s.NumRows(), TotalWeight: s.TotalWeight().String()}
}

// Meta is the meta.json document of a snapshot.
type Meta struct {
	FormatVersion  int        `json:"format_version"`
	N              int        `json:"n"`
	DatasetVersion string     `json:"dataset_version"`
	Reflection     Reflection `json:"reflection"`
	WeightEncoding string     `json:"weight_encoding"`
	Compression    string     `json:"compression"`
	Halves         []Half     `json:"halves"`
	RunID          string     `json:"run_id"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Verify checks that the snapshot was produced for ds under reflection.
func (m Meta) Verify(ds *dataset.Dataset, reflection Reflection) error {
	switch {
	case m.FormatVersion != FormatVersion:
		return &VersionMismatchError{Field: "format_version", Snapshot: strconv.Itoa(m.FormatVersion), Current: strconv.Itoa(FormatVersion)}
	case m.N != ds.N:
		return &VersionMismatchError{Field: "n", Snapshot: strconv.Itoa(m.N), Current: strconv.Itoa(ds.N)}
	case m.DatasetVersion != ds.Version:
		return &VersionMismatchError{Field: "dataset_version", Snapshot: m.DatasetVersion, Current: ds.Version}
	case m.Reflection != reflection:
		return &VersionMismatchError{Field: "reflection", Snapshot: string(m.Reflection), Current: string(reflection)}
	}
	return nil
}

// Snapshot is the decoded content of an archive.
type Snapshot struct {
	Meta     Meta
	JTypePop []uint8
	// Compat is the relation the stores were built against; nil when the
	// archive carries none.
	Compat *dataset.Compat
	Left   *bucket.Store
	// Right is set only under ReflectionRerun.
	Right *bucket.Store
}

// New describes the result of phase 1 for ds. right must be nil under
// ReflectionReuse and non-nil under ReflectionRerun.
func New(ds *dataset.Dataset, reflection Reflection, left, right *bucket.Store) (*Snapshot, error) {
	if left == nil {
		return nil, fmt.Errorf("snapshot: missing left store")
	}
	if (right != nil) != (reflection == ReflectionRerun) {
		return nil, fmt.Errorf("snapshot: reflection %q does not match the number of stores", reflection)
	}
	s := &Snapshot{
		Meta: Meta{
			FormatVersion:  FormatVersion,
			N:              ds.N,
			DatasetVersion: ds.Version,
			Reflection:     reflection,
			WeightEncoding: WeightEncoding,
			Halves:         []Half{describe(left)},
			RunID:          uuid.NewString(),
			CreatedAt:      time.Now().UTC(),
		},
		JTypePop: ds.JTypePop,
		Compat:   ds.Compat,
		Left:     left,
		Right:    right,
	}
	if right != nil {
		s.Meta.Halves = append(s.Meta.Halves, describe(right))
	}
	return s, nil
}

// Verify checks the metadata plus the j-type table and compatibility
// relation against ds.
func (s *Snapshot) Verify(ds *dataset.Dataset, reflection Reflection) error {
	if err := s.Meta.Verify(ds, reflection); err != nil {
		return err
	}
	if !slices.Equal(s.JTypePop, ds.JTypePop) {
		return &VersionMismatchError{
			Field:    "jbt_ref_pop",
			Snapshot: fmt.Sprintf("%d j-types", len(s.JTypePop)),
			Current:  fmt.Sprintf("%d j-types", len(ds.JTypePop)),
		}
	}
	if s.Compat != nil && !compatEqual(s.Compat, ds.Compat) {
		return &VersionMismatchError{
			Field:    "compat",
			Snapshot: fmt.Sprintf("%d pairs", s.Compat.NumPairs()),
			Current:  fmt.Sprintf("%d pairs", ds.Compat.NumPairs()),
		}
	}
	return nil
}

func compatEqual(a, b *dataset.Compat) bool {
	if a.Size() != b.Size() || a.NumPairs() != b.NumPairs() {
		return false
	}
	for j := 0; j < a.Size(); j++ {
		if !a.Partners(uint16(j)).Equals(b.Partners(uint16(j))) {
			return false
		}
	}
	return true
}
