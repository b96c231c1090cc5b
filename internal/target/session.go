package target

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dyluth/mural/pkg/canvas"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is the session format written by Save.
const CurrentVersion = 2

// Session is the persisted description of what to paint and where.
type Session struct {
	Version  int            `yaml:"version"`
	Image    string         `yaml:"image"` // relative to the session file
	Anchor   AnchorSpec     `yaml:"anchor"`
	Palette  []PaletteSpec  `yaml:"palette"`
	Tunables TunablesConfig `yaml:"tunables,omitempty"`
}

// AnchorSpec places the image's top-left pixel.
type AnchorSpec struct {
	TileX  int `yaml:"tile_x"`
	TileY  int `yaml:"tile_y"`
	LocalX int `yaml:"local_x"`
	LocalY int `yaml:"local_y"`
}

// PaletteSpec is one palette entry. Exactly one of Hex or Transparent is set.
type PaletteSpec struct {
	ID          int    `yaml:"id"`
	Hex         string `yaml:"hex,omitempty"`
	Transparent bool   `yaml:"transparent,omitempty"`
	Locked      bool   `yaml:"locked,omitempty"`
}

// TunablesConfig override detector and planner defaults for this session.
type TunablesConfig struct {
	BatchSize      string   `yaml:"batch_size,omitempty"` // "auto" or a number
	AlphaThreshold *int     `yaml:"alpha_threshold,omitempty"`
	SkipWhite      bool     `yaml:"skip_white,omitempty"`
	WhiteThreshold *int     `yaml:"white_threshold,omitempty"`
	IgnoreBlank    bool     `yaml:"ignore_blank,omitempty"`
	ChromaPenalty  bool     `yaml:"chroma_penalty,omitempty"`
	ChromaWeight   *float64 `yaml:"chroma_weight,omitempty"`
}

// sessionV1 is the original flat format: a position tuple, a colour list
// indexed by palette id with "" for transparent, and a separate locked list.
type sessionV1 struct {
	Version   int      `yaml:"version"`
	Image     string   `yaml:"image"`
	Position  []int    `yaml:"position"`
	Colors    []string `yaml:"colors"`
	Locked    []int    `yaml:"locked"`
	BatchSize int      `yaml:"batch_size"`
	SkipWhite bool     `yaml:"skip_white"`
}

// LoadSession reads a session file, migrating older versions.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var probe struct {
		Version int `yaml:"version"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	var s *Session
	switch probe.Version {
	case 1:
		var v1 sessionV1
		if err := yaml.Unmarshal(data, &v1); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		s, err = migrateV1(&v1)
		if err != nil {
			return nil, fmt.Errorf("failed to migrate session: %w", err)
		}
	case CurrentVersion:
		s = &Session{}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported session version: %d (expected: 1 or %d)", probe.Version, CurrentVersion)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	return s, nil
}

// Save writes the session in the current format.
func Save(path string, s *Session) error {
	s.Version = CurrentVersion
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

func migrateV1(v1 *sessionV1) (*Session, error) {
	if len(v1.Position) != 4 {
		return nil, fmt.Errorf("position must have 4 elements [tile_x, tile_y, local_x, local_y], got %d", len(v1.Position))
	}

	locked := make(map[int]bool, len(v1.Locked))
	for _, id := range v1.Locked {
		locked[id] = true
	}

	s := &Session{
		Version: CurrentVersion,
		Image:   v1.Image,
		Anchor: AnchorSpec{
			TileX:  v1.Position[0],
			TileY:  v1.Position[1],
			LocalX: v1.Position[2],
			LocalY: v1.Position[3],
		},
		Tunables: TunablesConfig{SkipWhite: v1.SkipWhite},
	}
	if v1.BatchSize > 0 {
		s.Tunables.BatchSize = strconv.Itoa(v1.BatchSize)
	}

	for id, hex := range v1.Colors {
		entry := PaletteSpec{ID: id, Locked: locked[id]}
		if hex == "" {
			entry.Transparent = true
		} else {
			entry.Hex = hex
		}
		s.Palette = append(s.Palette, entry)
	}
	return s, nil
}

// Validate checks required fields and value ranges.
func (s *Session) Validate() error {
	if s.Image == "" {
		return fmt.Errorf("image is required")
	}
	if s.Anchor.LocalX < 0 || s.Anchor.LocalX >= canvas.TileSize || s.Anchor.LocalY < 0 || s.Anchor.LocalY >= canvas.TileSize {
		return fmt.Errorf("anchor local position (%d, %d) must be within [0, %d)", s.Anchor.LocalX, s.Anchor.LocalY, canvas.TileSize)
	}
	if len(s.Palette) == 0 {
		return fmt.Errorf("palette is empty")
	}

	for _, p := range s.Palette {
		if p.Transparent == (p.Hex != "") {
			return fmt.Errorf("palette id %d: exactly one of hex or transparent must be set", p.ID)
		}
		if p.Hex != "" {
			if _, err := canvas.ParseHex(p.Hex); err != nil {
				return fmt.Errorf("palette id %d: %w", p.ID, err)
			}
		}
	}
	if _, err := s.palette(); err != nil {
		return err
	}

	t := s.Tunables
	if t.BatchSize != "" && !strings.EqualFold(t.BatchSize, "auto") {
		if _, err := strconv.Atoi(t.BatchSize); err != nil {
			return fmt.Errorf("tunables.batch_size must be 'auto' or a number, got %q", t.BatchSize)
		}
	}
	if t.AlphaThreshold != nil && (*t.AlphaThreshold < 1 || *t.AlphaThreshold > 255) {
		return fmt.Errorf("tunables.alpha_threshold must be in [1, 255], got %d", *t.AlphaThreshold)
	}
	if t.WhiteThreshold != nil && (*t.WhiteThreshold < 1 || *t.WhiteThreshold > 255) {
		return fmt.Errorf("tunables.white_threshold must be in [1, 255], got %d", *t.WhiteThreshold)
	}
	if t.ChromaWeight != nil && *t.ChromaWeight <= 0 {
		return fmt.Errorf("tunables.chroma_weight must be > 0")
	}
	return nil
}

// palette converts the palette specs. Locked entries are kept and flagged.
func (s *Session) palette() (canvas.Palette, error) {
	p := make(canvas.Palette, 0, len(s.Palette))
	for _, spec := range s.Palette {
		entry := canvas.PaletteEntry{ID: spec.ID, Locked: spec.Locked}
		if !spec.Transparent {
			rgb, err := canvas.ParseHex(spec.Hex)
			if err != nil {
				return nil, fmt.Errorf("palette id %d: %w", spec.ID, err)
			}
			entry.RGB = &rgb
		}
		p = append(p, entry)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
