package tracker

import (
	"errors"
	"testing"
)

func TestNewAirbrakeRequiresCredentials(t *testing.T) {
	tests := []Options{
		{},
		{ProjectID: 1},
		{ProjectKey: "key"},
	}
	for _, opts := range tests {
		if _, err := NewAirbrake(opts, nil); err == nil {
			t.Errorf("NewAirbrake(%+v) should fail", opts)
		}
	}
}

func TestNop(t *testing.T) {
	var tr Tracker = Nop{}
	if err := tr.Notify(errors.New("boom"), map[string]interface{}{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
}
