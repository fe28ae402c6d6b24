package domain

import (
	"strconv"

	"github.com/google/uuid"
)

// pointNamespace scopes deterministic vector ids
var pointNamespace = uuid.MustParse("6f1c2b7e-3d4a-5b8c-9e0f-a1b2c3d4e5f6")

// TextUnit is one page of extracted text
type TextUnit struct {
	Text       string `json:"text"`
	PageNumber int    `json:"page_number"`
	SourceID   string `json:"source_id"`
}

// ChunkMetadata locates a chunk inside its source document
type ChunkMetadata struct {
	SourceID   string `json:"source_id"`
	PageNumber int    `json:"page_number"`
	ChunkIndex int    `json:"chunk_index"`
}

// PointID is the vector index key for the chunk. It depends only on
// (sourceId, chunkIndex), so re-ingesting a source overwrites its vectors.
func (m ChunkMetadata) PointID() string {
	return uuid.NewSHA1(pointNamespace, []byte(m.SourceID+":"+strconv.Itoa(m.ChunkIndex))).String()
}

// Chunk is a bounded segment of source text, the unit of embedding and retrieval
type Chunk struct {
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
}

// IndexedVector is what gets written to the vector index for one chunk
type IndexedVector struct {
	Vector   []float32     `json:"vector"`
	Metadata ChunkMetadata `json:"metadata"`
	Text     string        `json:"text"`
}

// QueryResult is one search hit
type QueryResult struct {
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
	Score    float64       `json:"score"`
}

// SourceRef is the citation shown next to an answer
type SourceRef struct {
	Source     string `json:"source"`
	PageNumber int    `json:"pageNumber"`
}

// SupportingChunk is a truncated preview of a retrieved chunk
type SupportingChunk struct {
	Content  string    `json:"content"`
	Metadata SourceRef `json:"metadata"`
}

// Answer is the query service's response
type Answer struct {
	Message string            `json:"message"`
	Docs    []SupportingChunk `json:"docs"`
}
