package routing

import "testing"

func TestDeploymentOfInode_Deterministic(t *testing.T) {
	r := NewRing(4, 0)
	d1 := r.DeploymentOfInode(42)
	d2 := r.DeploymentOfInode(42)
	if d1 != d2 {
		t.Fatalf("hash not deterministic: %d != %d", d1, d2)
	}
	if d1 < 0 || d1 >= 4 {
		t.Fatalf("deployment out of range: %d", d1)
	}
}

func TestDeploymentOf_SameParentSameDeployment(t *testing.T) {
	// Two paths with the same parent inode must route to the same
	// deployment.
	r := NewRing(8, 0)
	const parent = int64(7)
	if r.DeploymentOfInode(parent) != r.DeploymentOfInode(parent) {
		t.Fatal("expected identical routing for identical parent inode")
	}
}

func TestParentPath_RootMapsToItself(t *testing.T) {
	if got := ParentPath("/"); got != "/" {
		t.Fatalf("ParentPath(/) = %q, want /", got)
	}
}

func TestParentPath_Basic(t *testing.T) {
	cases := map[string]string{
		"/a/b":   "/a",
		"/a/b/":  "/a",
		"/a":     "/",
		"/a/b/c": "/a/b",
	}
	for in, want := range cases {
		if got := ParentPath(in); got != want {
			t.Errorf("ParentPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRing_StableUnderDeploymentCountChange(t *testing.T) {
	// Adding a deployment should move only a small fraction of keys.
	r4 := NewRing(4, 0)
	r5 := NewRing(5, 0)

	const totalKeys = 2000
	moved := 0
	for i := 0; i < totalKeys; i++ {
		a := r4.DeploymentOfInode(int64(i))
		b := r5.DeploymentOfInode(int64(i))
		if a != b {
			moved++
		}
	}
	// Expect roughly 1/5 of keys to move; allow generous slack.
	if moved > totalKeys/2 {
		t.Fatalf("too many keys moved on resize: %d/%d", moved, totalKeys)
	}
}
