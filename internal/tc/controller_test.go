package tc

import (
	"fmt"
	"io"
	"log"
	"testing"
)

func TestClassIDToHex(t *testing.T) {
	got, err := ClassIDToHex("1a:2b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0x001a002b" {
		t.Fatalf("expected 0x001a002b, got %s", got)
	}
}

func TestClassIDToHexInvalid(t *testing.T) {
	if _, err := ClassIDToHex("not-valid"); err == nil {
		t.Fatalf("expected error for malformed class id")
	}
}

func TestParseQdiscRow(t *testing.T) {
	iface, qtype, handle, isRoot := parseQdiscRow([]string{
		"qdisc", "htb", "abc:", "dev", "eth0", "root", "refcnt", "2",
	})
	if iface != "eth0" || qtype != "htb" || handle != "abc:" || !isRoot {
		t.Fatalf("unexpected parse result: %s %s %s %v", iface, qtype, handle, isRoot)
	}
}

func TestSetLimitUnlimitedUsesMaxRate(t *testing.T) {
	var seenRate string
	c := &Controller{
		interfaces: []string{"eth0"},
		classID:    "abc:1",
		logger:     log.New(io.Discard, "", 0),
	}
	c.runTC = func(args ...string) ([][]string, error) {
		for i, a := range args {
			if a == "rate" && i+1 < len(args) {
				seenRate = args[i+1]
			}
		}
		return nil, nil
	}

	if ok := c.SetLimit(nil); !ok {
		t.Fatalf("expected SetLimit to succeed")
	}
	if seenRate != fmt.Sprintf("%dbps", MaxRate) {
		t.Fatalf("expected max rate, got %s", seenRate)
	}
}

func TestSetLimitAppliesRequestedRate(t *testing.T) {
	var seenRate string
	c := &Controller{
		interfaces: []string{"eth0"},
		classID:    "abc:1",
		logger:     log.New(io.Discard, "", 0),
	}
	c.runTC = func(args ...string) ([][]string, error) {
		for i, a := range args {
			if a == "rate" && i+1 < len(args) {
				seenRate = args[i+1]
			}
		}
		return nil, nil
	}

	limit := "1000000"
	if ok := c.SetLimit(&limit); !ok {
		t.Fatalf("expected SetLimit to succeed")
	}
	if seenRate != "1000000bps" {
		t.Fatalf("expected 1000000bps, got %s", seenRate)
	}
}

func TestCreateClassFindsFirstFreeMinor(t *testing.T) {
	c := &Controller{logger: log.New(io.Discard, "", 0)}
	c.runTC = func(args ...string) ([][]string, error) {
		if args[0] == "class" && args[1] == "show" {
			return [][]string{
				{"class", "htb", "abc:1", "root"},
				{"class", "htb", "abc:2", "root"},
			}, nil
		}
		return nil, nil
	}

	if !c.createClass("eth0") {
		t.Fatalf("expected createClass to succeed")
	}
	if c.classID != "abc:3" {
		t.Fatalf("expected first free minor abc:3, got %s", c.classID)
	}
}
