package geometry

import "fmt"

// AssignIDs fills in missing ids and sections. Sections come from the
// quadrant of the region origin relative to the reference size: A/B for
// left/right halves and 1/2 for top/bottom halves. Ids are S{n}-{section}
// where n is the 1-based position in the slice.
func AssignIDs(spaces []Space, refWidth, refHeight float64) []Space {
	out := make([]Space, len(spaces))
	for i, s := range spaces {
		if s.Section == "" {
			s.Section = quadrant(s.Bounds(), refWidth, refHeight)
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("S%d-%s", i+1, s.Section)
		}
		out[i] = s
	}
	return out
}

func quadrant(b Rect, refWidth, refHeight float64) string {
	section := "A"
	if b.X >= refWidth/2 {
		section = "B"
	}
	if b.Y < refHeight/2 {
		return section + "1"
	}
	return section + "2"
}

// Dedupe drops spaces whose region is identical to an earlier space. The
// first occurrence wins.
func Dedupe(spaces []Space) []Space {
	out := make([]Space, 0, len(spaces))
	for _, s := range spaces {
		dup := false
		for _, kept := range out {
			if kept.SameRegion(s) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, s)
		}
	}
	return out
}

// ScaleLayout rescales every space from reference dimensions to frame
// dimensions. Zero dimensions leave the layout unchanged.
func ScaleLayout(spaces []Space, refWidth, refHeight, frameWidth, frameHeight float64) []Space {
	if refWidth <= 0 || refHeight <= 0 || frameWidth <= 0 || frameHeight <= 0 {
		return spaces
	}
	sx, sy := frameWidth/refWidth, frameHeight/refHeight
	if sx == 1 && sy == 1 {
		return spaces
	}
	out := make([]Space, len(spaces))
	for i, s := range spaces {
		out[i] = s.Scale(sx, sy)
	}
	return out
}
