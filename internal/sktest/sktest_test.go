package sktest

import "testing"

type fakeT struct {
	skipped bool
}

func (f *fakeT) Skip(args ...interface{}) { f.skipped = true }

func TestSmallTest_RunsByDefault(t *testing.T) {
	f := &fakeT{}
	SmallTest(f)
	if f.skipped {
		t.Fatal("small test should run when no filter flags are set")
	}
}

func TestMediumTest_RunsByDefault(t *testing.T) {
	f := &fakeT{}
	MediumTest(f)
	if f.skipped {
		t.Fatal("medium test should run when no filter flags are set")
	}
}
