package keypoint

import (
	"image"
	"testing"
)

func TestLimitKeypointsNoop(t *testing.T) {
	t.Parallel()
	kps := Points{{Response: 1}, {Response: 2}}
	out := LimitKeypoints(kps, 0)
	if len(out) != 2 {
		t.Fatalf("maxK<=0 must be a no-op, got %d points", len(out))
	}
	out = LimitKeypoints(kps, 5)
	if len(out) != 2 {
		t.Fatalf("maxK>len(kps) must be a no-op, got %d points", len(out))
	}
}

func TestLimitKeypointsTruncates(t *testing.T) {
	t.Parallel()
	kps := Points{
		{Response: -5, ClassID: 0},
		{Response: 1, ClassID: 1},
		{Response: 9, ClassID: 2},
		{Response: 3, ClassID: 3},
	}
	out := LimitKeypoints(kps, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 keypoints, got %d", len(out))
	}
	// Highest |response| are indices 0 (5) and 2 (9); original order preserved.
	if out[0].ClassID != 0 || out[1].ClassID != 2 {
		t.Errorf("unexpected selection/order: %+v", out)
	}
}

func TestLimitKeypointsStableTies(t *testing.T) {
	t.Parallel()
	kps := Points{
		{Response: 2, ClassID: 0},
		{Response: 2, ClassID: 1},
		{Response: 2, ClassID: 2},
	}
	out := LimitKeypoints(kps, 2)
	if len(out) != 2 || out[0].ClassID != 0 || out[1].ClassID != 1 {
		t.Errorf("ties must be broken by original index, got %+v", out)
	}
}

func TestDescriptorsAppend(t *testing.T) {
	t.Parallel()
	a := Descriptors{Rows: [][]float64{{1, 2}, {3, 4}}}
	b := Descriptors{Rows: [][]float64{{5, 6}}}
	c := a.Append(b)
	if c.Len() != 3 {
		t.Fatalf("expected 3 rows after append, got %d", c.Len())
	}
	if c.Cols() != 2 {
		t.Fatalf("expected width 2, got %d", c.Cols())
	}
	empty := Descriptors{}
	if got := empty.Append(a).Len(); got != 2 {
		t.Errorf("appending onto empty should yield the other side, got %d rows", got)
	}
	if got := a.Append(empty).Len(); got != 2 {
		t.Errorf("appending empty should be a no-op, got %d rows", got)
	}
}

func TestDescriptorsAppendMismatchPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("expected panic on mismatched descriptor width")
		}
	}()
	a := Descriptors{Rows: [][]float64{{1, 2}}}
	b := Descriptors{Rows: [][]float64{{1, 2, 3}}}
	_ = a.Append(b)
}

func TestBinaryDescriptorsRow(t *testing.T) {
	t.Parallel()
	d := Descriptors{Binary: [][]byte{{0xFF, 0x00}}}
	if !d.IsBinary() {
		t.Fatal("expected IsBinary true")
	}
	row := d.Row(0)
	if len(row) != 2 || row[0] != 255 || row[1] != 0 {
		t.Errorf("unexpected row conversion: %v", row)
	}
}

func TestNullExtractor(t *testing.T) {
	t.Parallel()
	pts := Points{{Response: 1}}
	desc := Descriptors{Rows: [][]float64{{1, 2, 3}}}
	ex := NullExtractor{Points: pts, Descriptors: desc}
	gotPts, err := ex.Detect(nil)
	if err != nil || len(gotPts) != 1 {
		t.Fatalf("unexpected detect result: %v %v", gotPts, err)
	}
	gotPts2, gotDesc, err := ex.Compute(image.NewGray(image.Rect(0, 0, 1, 1)), pts)
	if err != nil || len(gotPts2) != 1 || gotDesc.Len() != 1 {
		t.Fatalf("unexpected compute result: %v %v %v", gotPts2, gotDesc, err)
	}
}
