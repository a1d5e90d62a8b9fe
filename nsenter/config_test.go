package nsenter

import (
	"bytes"
	"testing"
)

func TestBootstrapMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cfg  *BootstrapConfig
	}{
		{
			name: "minimal",
			cfg:  &BootstrapConfig{CloneFlags: 0x20000 | 0x08000000},
		},
		{
			name: "full",
			cfg: &BootstrapConfig{
				CloneFlags: 0x10000000,
				NsPaths: []NsPathEntry{
					{Kind: NSNet, Path: "/proc/1234/ns/net"},
					{Kind: NSMount, Path: "/proc/1234/ns/mnt"},
				},
				UidMap:             []byte("0 1000 1\n"),
				GidMap:             []byte("0 1000 1\n"),
				UidMapToolPath:     "newuidmap",
				GidMapToolPath:     "newgidmap",
				SetgroupsRequested: true,
				RootlessEuid:       true,
				OomScoreAdj:        []byte("-500"),
				PrepRootfs:         true,
				MakeParentPriv:     true,
				RootfsProp:         0x40000,
				Rootfs:             "/var/lib/runc-go/rootfs",
				ParentMount:        "/var/lib/runc-go",
				ShiftfsMounts:      []string{"/var/lib/runc-go/rootfs", "/mnt/extra"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := EncodeBootstrapMessage(tt.cfg)
			got, err := ParseBootstrapMessage(bytes.NewReader(wire))
			if err != nil {
				t.Fatalf("ParseBootstrapMessage: %v", err)
			}

			if got.CloneFlags != tt.cfg.CloneFlags {
				t.Errorf("CloneFlags = %#x, want %#x", got.CloneFlags, tt.cfg.CloneFlags)
			}
			if len(got.NsPaths) != len(tt.cfg.NsPaths) {
				t.Fatalf("NsPaths = %v, want %v", got.NsPaths, tt.cfg.NsPaths)
			}
			for i := range got.NsPaths {
				if got.NsPaths[i] != tt.cfg.NsPaths[i] {
					t.Errorf("NsPaths[%d] = %+v, want %+v", i, got.NsPaths[i], tt.cfg.NsPaths[i])
				}
			}
			if string(got.UidMap) != string(tt.cfg.UidMap) {
				t.Errorf("UidMap = %q, want %q", got.UidMap, tt.cfg.UidMap)
			}
			if string(got.GidMap) != string(tt.cfg.GidMap) {
				t.Errorf("GidMap = %q, want %q", got.GidMap, tt.cfg.GidMap)
			}
			if got.SetgroupsRequested != tt.cfg.SetgroupsRequested {
				t.Errorf("SetgroupsRequested = %v, want %v", got.SetgroupsRequested, tt.cfg.SetgroupsRequested)
			}
			if got.RootlessEuid != tt.cfg.RootlessEuid {
				t.Errorf("RootlessEuid = %v, want %v", got.RootlessEuid, tt.cfg.RootlessEuid)
			}
			if tt.cfg.Rootfs != "" && got.Rootfs != tt.cfg.Rootfs {
				t.Errorf("Rootfs = %q, want %q", got.Rootfs, tt.cfg.Rootfs)
			}
			if len(got.ShiftfsMounts) != len(tt.cfg.ShiftfsMounts) {
				t.Errorf("ShiftfsMounts = %v, want %v", got.ShiftfsMounts, tt.cfg.ShiftfsMounts)
			}
		})
	}
}

func TestParseBootstrapMessageRejectsWrongType(t *testing.T) {
	cfg := &BootstrapConfig{CloneFlags: 1}
	wire := EncodeBootstrapMessage(cfg)
	// Corrupt the type field (bytes 4-5, native-endian uint16) so it no
	// longer matches initMsgType.
	wire[4] ^= 0xff
	if _, err := ParseBootstrapMessage(bytes.NewReader(wire)); err == nil {
		t.Fatal("expected error for wrong message type, got nil")
	}
}

func TestParseBootstrapMessageRejectsTruncatedPayload(t *testing.T) {
	cfg := &BootstrapConfig{CloneFlags: 1, Rootfs: "/a/b/c"}
	wire := EncodeBootstrapMessage(cfg)
	truncated := wire[:len(wire)-3]
	if _, err := ParseBootstrapMessage(bytes.NewReader(truncated)); err == nil {
		t.Fatal("expected error for truncated payload, got nil")
	}
}

func TestParseNsPaths(t *testing.T) {
	tests := []struct {
		in   string
		want []NsPathEntry
	}{
		{"", nil},
		{"net:/proc/1/ns/net", []NsPathEntry{{Kind: NSNet, Path: "/proc/1/ns/net"}}},
		{
			"net:/proc/1/ns/net,mnt:/proc/1/ns/mnt",
			[]NsPathEntry{
				{Kind: NSNet, Path: "/proc/1/ns/net"},
				{Kind: NSMount, Path: "/proc/1/ns/mnt"},
			},
		},
		{"malformed-no-colon", nil},
	}

	for _, tt := range tests {
		got := parseNsPaths(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("parseNsPaths(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("parseNsPaths(%q)[%d] = %+v, want %+v", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestSplitNonEmpty(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a,b,c", []string{"a", "b", "c"}},
		{"a,,b", []string{"a", "b"}},
	}
	for _, tt := range tests {
		got := splitNonEmpty(tt.in, ",")
		if len(got) != len(tt.want) {
			t.Errorf("splitNonEmpty(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitNonEmpty(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}
