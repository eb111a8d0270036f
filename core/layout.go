package core

// AlignSize rounds size up to the specified alignment boundary.
func AlignSize(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// AlignSegment rounds size up to the segment boundary of a serialized program.
func AlignSegment(size int) int {
	return AlignSize(size, SegmentAlignment)
}

// PadToAlignment returns data extended with zero bytes to a multiple of align.
// data is returned unchanged when it is already aligned.
func PadToAlignment(data []byte, align int) []byte {
	currentLen := len(data)
	alignedLen := AlignSize(currentLen, align)
	if alignedLen == currentLen {
		return data
	}

	padded := make([]byte, alignedLen)
	copy(padded, data)
	return padded
}
