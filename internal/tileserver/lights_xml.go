package tileserver

import (
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrLightsXML = errors.New("malformed lights document")

// xmlNode is a generic element: every light property is a child element
// carrying a name attribute and its value as text.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []xmlNode  `xml:",any"`
}

func (n *xmlNode) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// lightBuilder accumulates the properties of one light element.
type lightBuilder struct {
	name string

	// hdri
	mapName   string
	dir       Vec3
	intensity Real

	// area
	p0, p1, p2, p3 Vec3
	radiance       Vec3
	color          Vec3
	useExposure    bool
}

type propertySetter func(b *lightBuilder, content string) error

func setVec3(field func(*lightBuilder) *Vec3) propertySetter {
	return func(b *lightBuilder, content string) error {
		v, err := parseVec3(content)
		if err != nil {
			return err
		}
		*field(b) = v
		return nil
	}
}

var hdriProperties = map[string]propertySetter{
	"mapname": func(b *lightBuilder, s string) error { b.mapName = strings.TrimSpace(s); return nil },
	"name":    func(b *lightBuilder, s string) error { b.name = strings.TrimSpace(s); return nil },
	"dir":     setVec3(func(b *lightBuilder) *Vec3 { return &b.dir }),
	"intensity": func(b *lightBuilder, s string) error {
		v, err := parseReal(s)
		b.intensity = v
		return err
	},
}

var areaProperties = map[string]propertySetter{
	"p0":   setVec3(func(b *lightBuilder) *Vec3 { return &b.p0 }),
	"p1":   setVec3(func(b *lightBuilder) *Vec3 { return &b.p1 }),
	"p2":   setVec3(func(b *lightBuilder) *Vec3 { return &b.p2 }),
	"p3":   setVec3(func(b *lightBuilder) *Vec3 { return &b.p3 }),
	"L":    setVec3(func(b *lightBuilder) *Vec3 { return &b.radiance }),
	"name": func(b *lightBuilder, s string) error { b.name = strings.TrimSpace(s); return nil },
	"exposure": func(b *lightBuilder, s string) error {
		v, err := parseReal(s)
		if err != nil {
			return err
		}
		b.useExposure = true
		b.intensity = math.Pow(2, v)
		return nil
	},
	"color": func(b *lightBuilder, s string) error {
		v, err := parseVec3(s)
		if err != nil {
			return err
		}
		// colors are authored gamma encoded
		b.color = v.Pow(2.2)
		return nil
	},
}

func init() {
	for kind, table := range map[string]map[string]propertySetter{"light": hdriProperties, "areaLight": areaProperties} {
		for name, set := range table {
			if name == "" || set == nil {
				panic(fmt.Sprintf("lights xml: invalid property descriptor %q for %s", name, kind))
			}
		}
	}
}

// apply runs the descriptor table over the property children of n.
// Unknown property names are ignored.
func (b *lightBuilder) apply(n *xmlNode, table map[string]propertySetter) error {
	for i := range n.Children {
		p := &n.Children[i]
		name, ok := p.attr("name")
		if !ok {
			return fmt.Errorf("%w: <%s> property without a name attribute", ErrLightsXML, p.XMLName.Local)
		}
		set, ok := table[name]
		if !ok {
			DebugLog("Ignoring property %q of <%s>", name, n.XMLName.Local)
			continue
		}
		if err := set(b, p.Content); err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
	}
	return nil
}

// ImportLightsXML reads a light preset document. The light group is the
// first child of the document root; its light and areaLight children become
// HDRI and quad lights. It returns a nil group (and nil error) when no light
// could be built. Texture paths are resolved relative to the document.
func ImportLightsXML(path string, textures *TextureLoader) (*LightGroup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var root xmlNode
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLightsXML, path, err)
	}
	if len(root.Children) == 0 {
		return nil, fmt.Errorf("%w: %s: root <%s> has no light group", ErrLightsXML, path, root.XMLName.Local)
	}
	if textures == nil {
		textures = NewTextureLoader()
	}
	baseDir := filepath.Dir(path)
	group := &LightGroup{Name: "lights_" + path}
	log := Logger()
	lightID := 0
	for i := range root.Children[0].Children {
		node := &root.Children[0].Children[i]
		var (
			light *Light
			err   error
		)
		switch node.XMLName.Local {
		case "light":
			light, err = hdriLightFromXML(node, baseDir, textures)
		case "areaLight":
			light, err = areaLightFromXML(node)
		default:
			log.Warn("ignoring import of unknown light", "file", path, "tag", node.XMLName.Local)
			continue
		}
		if err != nil {
			log.Warn("dropping light", "file", path, "tag", node.XMLName.Local, "err", err)
			continue
		}
		light.Name += strconv.Itoa(lightID)
		lightID++
		group.Lights = append(group.Lights, light)
	}
	if lightID == 0 {
		return nil, nil
	}
	return group, nil
}

func hdriLightFromXML(n *xmlNode, baseDir string, textures *TextureLoader) (*Light, error) {
	b := lightBuilder{name: "HDRILight_", dir: hdriDefaultDir, intensity: HDRIDefaultIntensity}
	if err := b.apply(n, hdriProperties); err != nil {
		return nil, err
	}
	texPath := b.mapName
	if texPath != "" && !filepath.IsAbs(texPath) {
		texPath = filepath.Join(baseDir, texPath)
	}
	tex, err := textures.Load(texPath)
	if err != nil {
		return nil, fmt.Errorf("could not load HDRI texture %q: %w", b.mapName, err)
	}
	textures.ClearCache()
	// swizzle from the document's frame into world space
	dir := Vec3{-b.dir.Z, b.dir.Y, b.dir.X}
	return NewHDRILight(b.name, dir, b.intensity, tex)
}

func areaLightFromXML(n *xmlNode) (*Light, error) {
	b := lightBuilder{name: "areaLight_"}
	if err := b.apply(n, areaProperties); err != nil {
		return nil, err
	}
	// Without an exposure the radiance L provides both intensity and color.
	if !b.useExposure {
		b.intensity = b.radiance.MaxComponent()
		if b.intensity != 0 {
			b.color = b.radiance.Mul(1 / b.intensity)
		}
	}
	color := b.color
	if !(b.intensity > 0) {
		color = Vec3{1, 1, 1}
	}
	light := NewQuadLight(b.name, b.p0, b.p1.Sub(b.p0), b.p3.Sub(b.p0), color, b.intensity)
	light.Visible = false
	return light, nil
}

func parseReal(s string) (Real, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func parseVec3(s string) (Vec3, error) {
	f := strings.Fields(s)
	if len(f) < 3 {
		return Vec3{}, fmt.Errorf("want 3 components, got %q", s)
	}
	var v [3]Real
	for i := 0; i < 3; i++ {
		x, err := strconv.ParseFloat(f[i], 64)
		if err != nil {
			return Vec3{}, err
		}
		v[i] = x
	}
	return Vec3{v[0], v[1], v[2]}, nil
}
