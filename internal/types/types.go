package types

import "image"

// Box is a face rectangle in frame pixel coordinates, corners (X1, Y1) and (X2, Y2).
type Box struct {
	X1, Y1, X2, Y2 int
}

// Valid reports whether the box has a positive area.
func (b Box) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Coords returns the crop coordinates for the box in (y1, y2, x1, x2) order.
func (b Box) Coords() Coords {
	return Coords{Y1: b.Y1, Y2: b.Y2, X1: b.X1, X2: b.X2}
}

// Coords holds crop coordinates as handed to the compositing stage: rows first.
type Coords struct {
	Y1, Y2, X1, X2 int
}

// Rect converts the coordinates to an image.Rectangle.
func (c Coords) Rect() image.Rectangle {
	return image.Rect(c.X1, c.Y1, c.X2, c.Y2)
}

// Pads is the margin added around a detected face before cropping.
type Pads struct {
	Top, Bottom, Left, Right int
}

// FaceCrop is a copy of the face pixels of a frame and where they came from.
type FaceCrop struct {
	Image  *image.RGBA
	Coords Coords
}

// Mel is a mel-spectrogram, row-major with Bins rows and Steps columns.
type Mel struct {
	Bins  int
	Steps int
	Data  []float32
}

// At returns the value at frequency bin b and time step t.
func (m Mel) At(b, t int) float32 {
	return m.Data[b*m.Steps+t]
}

// MelWindow is a fixed-width slice of a Mel starting at time step Start.
type MelWindow struct {
	Start int
	Bins  int
	Steps int
	Data  []float32
}

// ModelBatch holds the aligned inputs for one generator call.
// Index i of Faces, Mels, Frames and Coords refers to the same output frame.
type ModelBatch struct {
	// Size is the side of the square face crops.
	Size int
	// Faces are Size*Size*6 HWC tensors: masked RGB then unmasked RGB, scaled to [0,1].
	Faces  [][]float32
	Mels   []MelWindow
	Frames []*image.RGBA
	Coords []Coords
}

// Len returns the number of items in the batch.
func (b *ModelBatch) Len() int {
	return len(b.Coords)
}
