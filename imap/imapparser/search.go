package imapparser

// SeqContains reports whether seqNum falls within the normalized
// sequence set, treating Max == 0 as "*" (the highest value).
func SeqContains(sequences []SeqRange, seqNum uint32) bool {
	for _, seq := range sequences {
		if seq.Min <= seqNum && (seq.Max == 0 || seq.Max >= seqNum) {
			return true
		}
	}
	return false
}
