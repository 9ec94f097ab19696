package config

import "testing"

const sampleYAML = `
vm:
  memory_mb: "512"
  num_vcpus: "2"
devices:
  serial:
    port: "0x3f8"
  nic:
    model: "ne2000"
protocol_version: "1.2.0"
`

func TestParseAndNavigate(t *testing.T) {
	root, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	vm, ok := root.Subtree("vm")
	if !ok {
		t.Fatal("expected vm subtree")
	}
	if v, ok := vm.Val("memory_mb"); !ok || v != "512" {
		t.Fatalf("expected memory_mb=512, got %q ok=%v", v, ok)
	}

	devices, ok := root.Subtree("devices")
	if !ok {
		t.Fatal("expected devices subtree")
	}
	serial, ok := devices.Subtree("serial")
	if !ok {
		t.Fatal("expected serial subtree")
	}
	if v, _ := serial.Val("port"); v != "0x3f8" {
		t.Fatalf("expected port 0x3f8, got %q", v)
	}
}

func TestValOrDefault(t *testing.T) {
	root, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if got := root.ValOr("missing_key", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestCheckProtocolVersionRejectsNewer(t *testing.T) {
	root, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if err := root.CheckProtocolVersion("protocol_version", "2.0.0"); err != nil {
		t.Fatalf("expected 1.2.0 to be supported by 2.0.0, got %v", err)
	}
	if err := root.CheckProtocolVersion("protocol_version", "1.0.0"); err == nil {
		t.Fatal("expected 1.2.0 to be rejected as newer than supported 1.0.0")
	}
}

func TestSubtreesListsChildren(t *testing.T) {
	root, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	devices, _ := root.Subtree("devices")
	names := devices.Subtrees()
	if len(names) != 2 {
		t.Fatalf("expected 2 device subtrees, got %d: %v", len(names), names)
	}
}
