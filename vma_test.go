package main

import (
	"strings"
	"testing"
)

func TestParseVmaLine(t *testing.T) {
	inv, err := parseVmas(1, strings.NewReader(
		"00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon\n"+
			"7f0000000000-7f0000010000 rw-p 00000000 00:00 0 \n",
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	areas := inv.Areas()
	if len(areas) != 2 {
		t.Fatalf("expected 2 areas, got %d", len(areas))
	}

	if areas[0].Start != 0x00400000 || areas[0].End != 0x00452000 {
		t.Fatalf("bad range: %#x-%#x", areas[0].Start, areas[0].End)
	}
	if areas[0].Prot != ProtRead|ProtExec {
		t.Fatalf("bad prot: %v", areas[0].Prot)
	}
	if areas[0].Shared {
		t.Fatalf("expected private mapping")
	}
	if areas[0].Path != "/usr/bin/dbus-daemon" {
		t.Fatalf("bad path: %q", areas[0].Path)
	}

	if areas[1].Prot != ProtRead|ProtWrite {
		t.Fatalf("bad prot for anon mapping: %v", areas[1].Prot)
	}
	if areas[1].Path != "" {
		t.Fatalf("expected empty path for anon mapping, got %q", areas[1].Path)
	}
}

func TestParseVmaLineRejectsBadSharingFlag(t *testing.T) {
	_, err := parseVmas(1, strings.NewReader("1000-2000 rwxz 00000000 00:00 0 \n"))
	if err == nil {
		t.Fatalf("expected error for bad sharing flag")
	}
}

func invFromRanges(ranges [][2]uint64) *VmaInventory {
	inv := &VmaInventory{}
	for _, r := range ranges {
		inv.areas = append(inv.areas, VmaArea{Start: r[0], End: r[1]})
	}
	return inv
}

func TestFindHole(t *testing.T) {
	inv := invFromRanges([][2]uint64{
		{0x0000, 0x1000},
		{0x4000, 0x5000},
		{0x9000, 0xA000},
	})

	addr, ok := inv.FindHole(0x2000, 0x2000)
	if !ok || addr != 0x1000 {
		t.Fatalf("expected (0x1000, true), got (%#x, %v)", addr, ok)
	}

	addr, ok = inv.FindHole(0x2000, 0x4000)
	if !ok || addr != 0x5000 {
		t.Fatalf("expected (0x5000, true), got (%#x, %v)", addr, ok)
	}
}

func TestFindHoleNone(t *testing.T) {
	inv := invFromRanges([][2]uint64{{0, 0x1000}, {0x1000, 0x2000}})
	_, ok := inv.FindHole(0, 0x10)
	if ok {
		t.Fatalf("expected no hole between adjacent VMAs")
	}
}

func TestFindByAddrProtPath(t *testing.T) {
	inv := &VmaInventory{areas: []VmaArea{
		{Start: 0x1000, End: 0x2000, Prot: ProtRead | ProtExec, Path: "/lib/a.so"},
		{Start: 0x2000, End: 0x3000, Prot: ProtRead | ProtWrite, Path: ""},
	}}

	if v, ok := inv.FindByAddr(0x1500); !ok || v.Path != "/lib/a.so" {
		t.Fatalf("FindByAddr failed: %+v, %v", v, ok)
	}
	if _, ok := inv.FindByAddr(0x5000); ok {
		t.Fatalf("expected no VMA at 0x5000")
	}
	if v, ok := inv.FindByProt(ProtWrite); !ok || v.Start != 0x2000 {
		t.Fatalf("FindByProt failed: %+v, %v", v, ok)
	}
	if v, ok := inv.FindByPath("/lib/a.so"); !ok || v.Start != 0x1000 {
		t.Fatalf("FindByPath failed: %+v, %v", v, ok)
	}
}
