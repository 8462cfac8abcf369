package tileserver

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var ErrNoPreset = errors.New("no such light preset")

// LightPreset names a light group held by a PresetRegistry.
type LightPreset struct {
	Name  string
	Group GroupID
}

// Label is the short name shown in logs: the base name of the file the
// preset came from.
func (p LightPreset) Label() string {
	return strings.TrimSuffix(filepath.Base(p.Name), filepath.Ext(p.Name))
}

// PresetRegistry owns every light group the server knows about. Groups live
// in an arena keyed by GroupID. A group that stops being reachable from a
// preset is retired rather than released, and is only released by
// DrainRetired once no render pins it.
//
// The registry belongs to the render loop and is not safe for concurrent use.
type PresetRegistry struct {
	groups  map[GroupID]*LightGroup
	pins    map[GroupID]int
	presets []LightPreset
	current int
	retired []GroupID
	nextID  GroupID
}

func NewPresetRegistry() *PresetRegistry {
	return &PresetRegistry{
		groups: make(map[GroupID]*LightGroup),
		pins:   make(map[GroupID]int),
	}
}

func (r *PresetRegistry) adopt(g *LightGroup) GroupID {
	r.nextID++
	g.ID = r.nextID
	r.groups[g.ID] = g
	return g.ID
}

// Add appends a preset owning g and returns its index. The current preset
// does not change.
func (r *PresetRegistry) Add(name string, g *LightGroup) int {
	id := r.adopt(g)
	r.presets = append(r.presets, LightPreset{Name: name, Group: id})
	DebugLog("Added light preset %q with %d lights (group %d)", name, len(g.Lights), id)
	return len(r.presets) - 1
}

// Replace swaps the group of the preset called name for g, retiring the
// old group. A preset that does not exist yet is appended.
func (r *PresetRegistry) Replace(name string, g *LightGroup) int {
	for i, p := range r.presets {
		if p.Name != name {
			continue
		}
		id := r.adopt(g)
		r.retired = append(r.retired, p.Group)
		r.presets[i].Group = id
		DebugLog("Replaced light preset %q: group %d retired, group %d active", name, p.Group, id)
		return i
	}
	return r.Add(name, g)
}

func (r *PresetRegistry) Len() int { return len(r.presets) }

func (r *PresetRegistry) Presets() []LightPreset {
	out := make([]LightPreset, len(r.presets))
	copy(out, r.presets)
	return out
}

// Select makes preset i current.
func (r *PresetRegistry) Select(i int) error {
	if i < 0 || i >= len(r.presets) {
		return fmt.Errorf("%w: index %d of %d", ErrNoPreset, i, len(r.presets))
	}
	r.current = i
	return nil
}

// SelectByName makes the preset with the given name (or file base name) current.
func (r *PresetRegistry) SelectByName(name string) error {
	for i, p := range r.presets {
		if p.Name == name || p.Label() == name {
			r.current = i
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNoPreset, name)
}

// Next advances the current preset, wrapping around.
func (r *PresetRegistry) Next() {
	if len(r.presets) == 0 {
		return
	}
	r.current = (r.current + 1) % len(r.presets)
}

// Current returns the active preset and its group.
func (r *PresetRegistry) Current() (LightPreset, *LightGroup, error) {
	if len(r.presets) == 0 {
		return LightPreset{}, nil, ErrNoPreset
	}
	p := r.presets[r.current]
	return p, r.groups[p.Group], nil
}

// Group looks up a group by id, including retired groups not yet released.
func (r *PresetRegistry) Group(id GroupID) (*LightGroup, bool) {
	g, ok := r.groups[id]
	return g, ok
}

// Pin marks a group as referenced by an in-flight render.
func (r *PresetRegistry) Pin(id GroupID) { r.pins[id]++ }

// Unpin drops one render reference.
func (r *PresetRegistry) Unpin(id GroupID) {
	if r.pins[id] <= 1 {
		delete(r.pins, id)
		return
	}
	r.pins[id]--
}

// Retired is the number of groups waiting to be released.
func (r *PresetRegistry) Retired() int { return len(r.retired) }

// DrainRetired releases every retired group that no render pins and
// returns how many were released.
func (r *PresetRegistry) DrainRetired() int {
	kept := r.retired[:0]
	released := 0
	for _, id := range r.retired {
		if r.pins[id] > 0 {
			kept = append(kept, id)
			continue
		}
		if g, ok := r.groups[id]; ok {
			g.release()
			delete(r.groups, id)
			released++
		}
	}
	r.retired = kept
	if released > 0 {
		DebugLog("Released %d retired light groups, %d still pinned", released, len(kept))
	}
	return released
}

// Close drops every preset and retired group. It must only be called when no
// render is in flight.
func (r *PresetRegistry) Close() {
	for id, g := range r.groups {
		g.release()
		delete(r.groups, id)
	}
	r.presets = nil
	r.retired = nil
	r.pins = make(map[GroupID]int)
	r.current = 0
}

// ImportPresets imports every lights file in order and registers one preset
// per file that yields at least one light. With replace set, presets that
// already exist are swapped for the new import. Files that fail to import are
// logged and skipped; the number of presets registered is returned.
func ImportPresets(r *PresetRegistry, files []string, textures *TextureLoader, replace bool) int {
	log := Logger()
	n := 0
	for _, f := range files {
		g, err := ImportLightsXML(f, textures)
		if err != nil {
			log.Warn("could not import lights file", "file", f, "err", err)
			continue
		}
		if g == nil {
			log.Warn("lights file has no usable lights", "file", f)
			continue
		}
		if replace {
			r.Replace(f, g)
		} else {
			r.Add(f, g)
		}
		n++
		log.Info("imported light preset", "file", f, "lights", len(g.Lights))
	}
	return n
}
