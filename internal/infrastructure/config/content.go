package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// ErrNoContentConfig is returned when a content root has no config file.
var ErrNoContentConfig = errors.New("no config.json, config.yaml or config.toml in content root")

// contentConfigNames lists the files probed in a content root, in order.
var contentConfigNames = []string{"config.json", "config.yaml", "config.yml", "config.toml"}

var strictJSON = sonic.Config{
	DisallowUnknownFields: true,
	UseInt64:              true,
}.Froze()

// Dimension is a window size along one axis. Exactly one unit is set.
type Dimension struct {
	// Logical pixels, scaled by the monitor factor.
	Logical *int `json:"logical,omitempty" yaml:"logical,omitempty" toml:"logical,omitempty"`
	// Percent of the monitor size (0-100).
	Percent *float64 `json:"percent,omitempty" yaml:"percent,omitempty" toml:"percent,omitempty"`
	// Centimeters, using the monitor's physical size.
	Cm *float64 `json:"cm,omitempty" yaml:"cm,omitempty" toml:"cm,omitempty"`
}

// ContentConfig describes how the shell should place the surface and where
// the external bridge listens. The host validates it and hands placement to
// the shell untouched.
type ContentConfig struct {
	Schema         string     `json:"$schema,omitempty" yaml:"$schema,omitempty" toml:"$schema,omitempty"`
	Title          string     `json:"title,omitempty" yaml:"title,omitempty" toml:"title,omitempty"`
	Listen         string     `json:"listen,omitempty" yaml:"listen,omitempty" toml:"listen,omitempty"`
	MonitorIndex   *int       `json:"monitor_index,omitempty" yaml:"monitor_index,omitempty" toml:"monitor_index,omitempty"`
	MonitorModel   string     `json:"monitor_model,omitempty" yaml:"monitor_model,omitempty" toml:"monitor_model,omitempty"`
	AttachTop      bool       `json:"attach_top,omitempty" yaml:"attach_top,omitempty" toml:"attach_top,omitempty"`
	AttachRight    bool       `json:"attach_right,omitempty" yaml:"attach_right,omitempty" toml:"attach_right,omitempty"`
	AttachBottom   bool       `json:"attach_bottom,omitempty" yaml:"attach_bottom,omitempty" toml:"attach_bottom,omitempty"`
	AttachLeft     bool       `json:"attach_left,omitempty" yaml:"attach_left,omitempty" toml:"attach_left,omitempty"`
	Width          *Dimension `json:"width,omitempty" yaml:"width,omitempty" toml:"width,omitempty"`
	Height         *Dimension `json:"height,omitempty" yaml:"height,omitempty" toml:"height,omitempty"`
	EnableKeyboard bool       `json:"enable_keyboard,omitempty" yaml:"enable_keyboard,omitempty" toml:"enable_keyboard,omitempty"`
}

// LoadContent finds and decodes the config file in root.
func LoadContent(root string) (*ContentConfig, string, error) {
	for _, name := range contentConfigNames {
		path := filepath.Join(root, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, path, fmt.Errorf("failed to read %s: %w", path, err)
		}
		cfg, err := DecodeContent(filepath.Ext(name), data)
		if err != nil {
			return nil, path, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return cfg, path, nil
	}
	return nil, "", ErrNoContentConfig
}

// DecodeContent decodes and validates a content config. ext selects the
// format: ".json", ".yaml"/".yml" or ".toml".
func DecodeContent(ext string, data []byte) (*ContentConfig, error) {
	var cfg ContentConfig
	switch ext {
	case ".json":
		if err := strictJSON.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
			return nil, err
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the edge attachment rules: a dimension spanning two
// attached edges is decided by the edges and must be absent, any other
// dimension must be given.
func (c *ContentConfig) Validate() error {
	if c.AttachLeft && c.AttachRight {
		if c.Width != nil {
			return errors.New("both left and right edges are attached, width cannot be used but it is set (should be null)")
		}
	} else if c.Width == nil {
		return errors.New("left or right edge attachments aren't set so the width is not decided, but width is missing")
	}
	if c.AttachTop && c.AttachBottom {
		if c.Height != nil {
			return errors.New("both top and bottom edges are attached, height cannot be used but it is set (should be null)")
		}
	} else if c.Height == nil {
		return errors.New("top or bottom edge attachments aren't set so the height is not decided, but height is missing")
	}
	if err := c.Width.validate("width"); err != nil {
		return err
	}
	if err := c.Height.validate("height"); err != nil {
		return err
	}
	if c.MonitorIndex != nil && *c.MonitorIndex < 0 {
		return fmt.Errorf("monitor_index must not be negative, got %d", *c.MonitorIndex)
	}
	return nil
}

func (d *Dimension) validate(axis string) error {
	if d == nil {
		return nil
	}
	set := 0
	if d.Logical != nil {
		set++
	}
	if d.Percent != nil {
		set++
		if *d.Percent < 0 || *d.Percent > 100 {
			return fmt.Errorf("%s percent must be within 0-100, got %v", axis, *d.Percent)
		}
	}
	if d.Cm != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%s must set exactly one of logical, percent or cm", axis)
	}
	return nil
}
