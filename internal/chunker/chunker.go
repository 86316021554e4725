// Package chunker splits extracted document text into fixed-size retrieval
// units.
package chunker

// DefaultChunkSize is the maximum chunk length in bytes.
const DefaultChunkSize = 500

// Split cuts text into consecutive chunks of at most size bytes. The final
// chunk carries the remainder. No overlap, no trimming; positions in the
// returned slice match positions in the source.
func Split(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if text == "" {
		return nil
	}

	chunks := make([]string, 0, (len(text)+size-1)/size)
	for start := 0; start < len(text); start += size {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
	}
	return chunks
}
