package tileserver

import (
	"errors"
	"path/filepath"
	"testing"
)

func group(name string, n int) *LightGroup {
	g := &LightGroup{Name: name}
	for i := 0; i < n; i++ {
		g.Lights = append(g.Lights, NewAmbientLight(name, Vec3{1, 1, 1}, 1))
	}
	return g
}

func TestPresetRegistrySelect(t *testing.T) {
	r := NewPresetRegistry()
	if _, _, err := r.Current(); !errors.Is(err, ErrNoPreset) {
		t.Fatalf("empty registry got %v want %v", err, ErrNoPreset)
	}
	r.Add("/lights/sunset.xml", group("sunset", 1))
	r.Add("/lights/night.xml", group("night", 2))
	r.Add(DefaultPresetName, group("default", 3))

	if err := r.SelectByName(DefaultPresetName); err != nil {
		t.Fatal(err)
	}
	p, g, err := r.Current()
	if err != nil || p.Name != DefaultPresetName || len(g.Lights) != 3 {
		t.Fatalf("current got %+v %+v %v", p, g, err)
	}
	r.Next()
	if p, _, _ := r.Current(); p.Label() != "sunset" {
		t.Fatalf("next should wrap to sunset, got %q", p.Label())
	}
	if err := r.SelectByName("night"); err != nil {
		t.Fatal(err)
	}
	if p, _, _ := r.Current(); p.Name != "/lights/night.xml" {
		t.Fatalf("select by label got %q", p.Name)
	}
	if err := r.Select(7); !errors.Is(err, ErrNoPreset) {
		t.Fatalf("select out of range got %v", err)
	}
	if err := r.SelectByName("noon"); !errors.Is(err, ErrNoPreset) {
		t.Fatalf("select unknown got %v", err)
	}
}

func TestPresetRegistryDeferredRelease(t *testing.T) {
	r := NewPresetRegistry()
	old := group("a", 2)
	r.Add("a.xml", old)
	oldID := old.ID

	r.Pin(oldID)
	r.Replace("a.xml", group("a2", 1))
	if r.Retired() != 1 {
		t.Fatalf("retired got %d want 1", r.Retired())
	}
	if n := r.DrainRetired(); n != 0 {
		t.Fatalf("released a pinned group (%d)", n)
	}
	if _, ok := r.Group(oldID); !ok || len(old.Lights) != 2 {
		t.Fatal("pinned group must stay intact")
	}
	_, cur, _ := r.Current()
	if cur.ID == oldID || cur.Name != "a2" {
		t.Fatalf("current group got %+v", cur)
	}

	r.Unpin(oldID)
	if n := r.DrainRetired(); n != 1 {
		t.Fatalf("released got %d want 1", n)
	}
	if _, ok := r.Group(oldID); ok {
		t.Fatal("released group still in the arena")
	}
	if old.Lights != nil {
		t.Fatal("released group still holds lights")
	}
	if r.Retired() != 0 {
		t.Fatalf("retired got %d want 0", r.Retired())
	}
}

func TestPresetRegistryNestedPins(t *testing.T) {
	r := NewPresetRegistry()
	g := group("a", 1)
	r.Add("a", g)
	r.Pin(g.ID)
	r.Pin(g.ID)
	r.Replace("a", group("b", 1))
	r.Unpin(g.ID)
	if r.DrainRetired() != 0 {
		t.Fatal("group released while still pinned once")
	}
	r.Unpin(g.ID)
	if r.DrainRetired() != 1 {
		t.Fatal("group not released after last unpin")
	}
}

func TestPresetRegistryClose(t *testing.T) {
	r := NewPresetRegistry()
	g := group("a", 1)
	r.Add("a", g)
	r.Replace("a", group("b", 1))
	r.Close()
	if r.Len() != 0 || r.Retired() != 0 {
		t.Fatalf("after close: %d presets, %d retired", r.Len(), r.Retired())
	}
	if g.Lights != nil {
		t.Fatal("close did not release groups")
	}
}

func TestImportPresets(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "warm.xml", `<s><g><areaLight><vec3f name="L">1 1 1</vec3f></areaLight></g></s>`)
	b := writeFile(t, dir, "none.xml", `<s><g><spot/></g></s>`)
	missing := filepath.Join(dir, "missing.xml")

	r := NewPresetRegistry()
	if n := ImportPresets(r, []string{a, b, missing}, nil, false); n != 1 {
		t.Fatalf("imported got %d want 1", n)
	}
	_, first, _ := r.Current()
	firstID := first.ID
	if n := ImportPresets(r, []string{a}, nil, true); n != 1 {
		t.Fatalf("reimport got %d want 1", n)
	}
	if r.Len() != 1 || r.Retired() != 1 {
		t.Fatalf("reload should replace in place: %d presets, %d retired", r.Len(), r.Retired())
	}
	if _, g, _ := r.Current(); g.ID == firstID {
		t.Fatal("reload kept the old group current")
	}
}
