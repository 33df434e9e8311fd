package libp2p

// ShortID trims a peer id for display.
func ShortID(id string) string { return shortID(id) }

func shortID(id string) string {
	if len(id) > 12 {
		return id[len(id)-12:]
	}
	return id
}
