package task

import "testing"

func TestCloneIsIndependent(t *testing.T) {
	eta := 12.5
	orig := Task{
		ID:         "t1",
		Headers:    map[string]string{"X": "1"},
		Checksum:   &Checksum{Kind: SHA256, Hex: "abc"},
		ETASeconds: &eta,
	}

	clone := orig.Clone()
	clone.Headers["X"] = "2"
	*clone.Checksum = Checksum{Kind: MD5, Hex: "def"}
	*clone.ETASeconds = 99

	if orig.Headers["X"] != "1" {
		t.Errorf("mutating clone's Headers affected the original: %v", orig.Headers)
	}
	if orig.Checksum.Hex != "abc" {
		t.Errorf("mutating clone's Checksum affected the original: %v", orig.Checksum)
	}
	if *orig.ETASeconds != 12.5 {
		t.Errorf("mutating clone's ETASeconds affected the original: %v", *orig.ETASeconds)
	}
}

func TestCloneNilFields(t *testing.T) {
	var orig Task
	clone := orig.Clone()
	if clone.Headers != nil || clone.Checksum != nil || clone.ETASeconds != nil {
		t.Error("Clone should leave nil fields nil")
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		Pending:     "pending",
		Downloading: "downloading",
		Paused:      "paused",
		Completed:   "completed",
		Failed:      "failed",
		Cancelled:   "cancelled",
		Status(99):  "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}
