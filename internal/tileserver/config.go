package tileserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoLights is returned when a configuration yields an empty light group.
var ErrNoLights = errors.New("config has no lights")

type CameraCfg struct {
	Pos           Vec3 `json:"pos" yaml:"pos"`
	Dir           Vec3 `json:"dir" yaml:"dir"`
	Up            Vec3 `json:"up" yaml:"up"`
	Fovy          Real `json:"fovy,omitempty" yaml:"fovy,omitempty"`
	FocusDistance Real `json:"focusDistance,omitempty" yaml:"focusDistance,omitempty"`
}

type MaterialCfg struct {
	Albedo   Vec3 `json:"albedo" yaml:"albedo"`
	Emission Vec3 `json:"emission,omitempty" yaml:"emission,omitempty"`
}

type SphereCfg struct {
	Center   Vec3        `json:"center" yaml:"center"`
	Radius   Real        `json:"radius" yaml:"radius"`
	Material MaterialCfg `json:"material" yaml:"material"`
}

type BoxCfg struct {
	Min      Vec3        `json:"min" yaml:"min"`
	Max      Vec3        `json:"max" yaml:"max"`
	Material MaterialCfg `json:"material" yaml:"material"`
}

// LightCfg describes one light of the default preset. Kind is one of
// ambient, distant, quad or hdri.
type LightCfg struct {
	Kind      string `json:"kind" yaml:"kind"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Color     Vec3   `json:"color" yaml:"color"`
	Intensity Real   `json:"intensity" yaml:"intensity"`
	Dir       Vec3   `json:"dir,omitempty" yaml:"dir,omitempty"`
	Position  Vec3   `json:"position,omitempty" yaml:"position,omitempty"`
	Edge1     Vec3   `json:"edge1,omitempty" yaml:"edge1,omitempty"`
	Edge2     Vec3   `json:"edge2,omitempty" yaml:"edge2,omitempty"`
	Visible   *bool  `json:"visible,omitempty" yaml:"visible,omitempty"`
	Map       string `json:"map,omitempty" yaml:"map,omitempty"` // hdri texture, relative to the config file
}

type Config struct {
	Camera     CameraCfg   `json:"camera" yaml:"camera"`
	Spp        int         `json:"spp" yaml:"spp"`
	MaxBounces int         `json:"maxBounces,omitempty" yaml:"maxBounces,omitempty"`
	Workers    int         `json:"workers,omitempty" yaml:"workers,omitempty"`
	Seed       int64       `json:"seed,omitempty" yaml:"seed,omitempty"`
	ToneMapped bool        `json:"toneMapped,omitempty" yaml:"toneMapped,omitempty"`
	Background Vec3        `json:"background,omitempty" yaml:"background,omitempty"`
	Spheres    []SphereCfg `json:"spheres,omitempty" yaml:"spheres,omitempty"`
	Boxes      []BoxCfg    `json:"boxes,omitempty" yaml:"boxes,omitempty"`
	Lights     []LightCfg  `json:"lights" yaml:"lights"`

	baseDir string
}

// DefaultConfig is the built-in scene: a ground slab, three spheres, a sun
// and a sky.
func DefaultConfig() *Config {
	cfg := &Config{
		Camera: CameraCfg{
			Pos:           Vec3{0, 1, 6},
			Dir:           Vec3{0, -0.1, -1},
			Up:            Vec3{0, 1, 0},
			Fovy:          DefaultFovy,
			FocusDistance: 6,
		},
		Spheres: []SphereCfg{
			{Center: Vec3{-1.6, 0.8, 0}, Radius: 0.8, Material: MaterialCfg{Albedo: Vec3{0.8, 0.3, 0.2}}},
			{Center: Vec3{0, 1, -0.5}, Radius: 1, Material: MaterialCfg{Albedo: Vec3{0.7, 0.7, 0.7}}},
			{Center: Vec3{1.7, 0.6, 0.4}, Radius: 0.6, Material: MaterialCfg{Albedo: Vec3{0.2, 0.4, 0.8}}},
		},
		Boxes: []BoxCfg{
			{Min: Vec3{-10, -0.5, -10}, Max: Vec3{10, 0, 10}, Material: MaterialCfg{Albedo: Vec3{0.5, 0.5, 0.45}}},
		},
		Lights: []LightCfg{
			{Kind: "distant", Name: "sun", Dir: Vec3{-0.4, -1, -0.6}, Color: Vec3{1, 0.95, 0.85}, Intensity: 2.5},
			{Kind: "ambient", Name: "sky", Color: Vec3{0.55, 0.7, 1}, Intensity: 0.6},
		},
	}
	cfg.fillDefaults()
	return cfg
}

// LoadConfig reads a JSON or YAML (by extension) scene configuration and
// fills defaults. An empty path returns DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if len(cfg.Lights) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoLights)
	}
	cfg.baseDir = filepath.Dir(path)
	cfg.fillDefaults()
	DebugLog("Loaded config from %s: spheres=%d, boxes=%d, lights=%d, SPP=%d, bounces=%d", path, len(cfg.Spheres), len(cfg.Boxes), len(cfg.Lights), cfg.Spp, cfg.MaxBounces)
	return &cfg, nil
}

func (c *Config) fillDefaults() {
	if c.Spp <= 0 {
		c.Spp = DefaultSpp
	}
	if c.MaxBounces <= 0 {
		c.MaxBounces = DefaultMaxBounces
	}
	if c.Camera.Fovy <= 0 {
		c.Camera.Fovy = DefaultFovy
	}
	if c.Camera.Dir.isZero() {
		c.Camera.Dir = Vec3{0, 0, -1}
	}
	if c.Camera.Up.isZero() {
		c.Camera.Up = Vec3{0, 1, 0}
	}
	if c.Camera.FocusDistance <= 0 {
		c.Camera.FocusDistance = 1
	}
}

// CameraDefaults is the startup camera; requests override position, up and
// direction per tile.
func (c *Config) CameraDefaults() Camera {
	return Camera{
		Pos:           c.Camera.Pos,
		Up:            c.Camera.Up,
		Dir:           c.Camera.Dir,
		Fovy:          c.Camera.Fovy,
		Aspect:        1,
		FocusDistance: c.Camera.FocusDistance,
		ImageStart:    Vec2{0, 0},
		ImageEnd:      Vec2{1, 1},
	}
}

func (c *Config) EngineOptions() EngineOptions {
	return EngineOptions{
		Workers:    c.Workers,
		Spp:        c.Spp,
		MaxBounces: c.MaxBounces,
		Seed:       c.Seed,
		ToneMapped: c.ToneMapped,
	}
}

// BuildScene validates and constructs the geometry.
func (c *Config) BuildScene() (*Scene, error) {
	s := &Scene{Background: c.Background}
	for i, sc := range c.Spheres {
		sp, err := NewSphere(sc.Center, sc.Radius, sc.Material.build())
		if err != nil {
			return nil, fmt.Errorf("sphere %d: %w", i, err)
		}
		s.Spheres = append(s.Spheres, sp)
	}
	for i, bc := range c.Boxes {
		b, err := NewBox(bc.Min, bc.Max, bc.Material.build())
		if err != nil {
			return nil, fmt.Errorf("box %d: %w", i, err)
		}
		s.Boxes = append(s.Boxes, b)
	}
	return s, nil
}

func (m MaterialCfg) build() Material {
	return Material{Albedo: m.Albedo, Emission: m.Emission}
}

// BuildLights constructs the default light group.
func (c *Config) BuildLights(textures *TextureLoader) (*LightGroup, error) {
	if textures == nil {
		textures = NewTextureLoader()
	}
	g := &LightGroup{Name: DefaultPresetName}
	for i, lc := range c.Lights {
		l, err := lc.build(c.baseDir, textures)
		if err != nil {
			return nil, fmt.Errorf("light %d (%s): %w", i, lc.Kind, err)
		}
		if l.Name == "" {
			l.Name = fmt.Sprintf("%s_%d", lc.Kind, i)
		}
		g.Lights = append(g.Lights, l)
	}
	if len(g.Lights) == 0 {
		return nil, ErrNoLights
	}
	return g, nil
}

func (lc LightCfg) build(baseDir string, textures *TextureLoader) (*Light, error) {
	color := lc.Color
	if color.isZero() {
		color = Vec3{1, 1, 1}
	}
	var (
		l   *Light
		err error
	)
	switch strings.ToLower(lc.Kind) {
	case "ambient":
		l = NewAmbientLight(lc.Name, color, lc.Intensity)
	case "distant", "directional":
		l, err = NewDistantLight(lc.Name, lc.Dir, color, lc.Intensity)
	case "quad", "area":
		l = NewQuadLight(lc.Name, lc.Position, lc.Edge1, lc.Edge2, color, lc.Intensity)
	case "hdri":
		p := lc.Map
		if p != "" && !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		tex, terr := textures.Load(p)
		if terr != nil {
			return nil, terr
		}
		dir := lc.Dir
		if dir.isZero() {
			dir = Vec3{0, 0, 1}
		}
		l, err = NewHDRILight(lc.Name, dir, lc.Intensity, tex)
	default:
		return nil, fmt.Errorf("unknown light kind %q", lc.Kind)
	}
	if err != nil {
		return nil, err
	}
	if lc.Visible != nil {
		l.Visible = *lc.Visible
	}
	return l, nil
}
