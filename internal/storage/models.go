package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CollectionStatus is the lifecycle state of a collection.
type CollectionStatus string

const (
	CollectionOpen   CollectionStatus = "open"
	CollectionSealed CollectionStatus = "sealed"
)

// IngestionStatus is the source-document state machine.
type IngestionStatus string

const (
	StatusPendingIngestion IngestionStatus = "pending_ingestion"
	StatusQueued           IngestionStatus = "queued"
	StatusProcessing       IngestionStatus = "processing"
	StatusProcessed        IngestionStatus = "processed"
	StatusFailed           IngestionStatus = "failed"
	StatusDeadLetter       IngestionStatus = "dead_letter"
	StatusEmptyFile        IngestionStatus = "empty_file"
)

// IsTerminal reports whether the status ends the ingestion lifecycle.
func (s IngestionStatus) IsTerminal() bool {
	switch s {
	case StatusProcessed, StatusDeadLetter, StatusEmptyFile:
		return true
	}
	return false
}

// PendingStates are the statuses counted toward the backpressure queue depth.
var PendingStates = []IngestionStatus{StatusPendingIngestion, StatusQueued, StatusProcessing}

// BatchStatus is the ingestion-batch state machine. Terminal statuses are
// monotonic: once completed, partial, or failed, a batch never leaves them.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchPartial    BatchStatus = "partial"
	BatchFailed     BatchStatus = "failed"
)

// IsTerminal reports whether the batch status is final.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchPartial, BatchFailed:
		return true
	}
	return false
}

// EventStatus classifies ingestion event log rows.
type EventStatus string

const (
	EventInfo    EventStatus = "INFO"
	EventSuccess EventStatus = "SUCCESS"
	EventWarning EventStatus = "WARNING"
	EventError   EventStatus = "ERROR"
)

// AuthorityLevel ranks a document's normative weight. Relative order matters
// to the gravity reranker: constitution > policy > canonical > supplementary.
type AuthorityLevel string

const (
	AuthorityConstitution   AuthorityLevel = "constitution"
	AuthorityPolicy         AuthorityLevel = "policy"
	AuthorityCanonical      AuthorityLevel = "canonical"
	AuthoritySupplementary  AuthorityLevel = "supplementary"
	AuthorityAdministrative AuthorityLevel = "administrative"
	AuthorityHardConstraint AuthorityLevel = "hard_constraint"
	AuthoritySoftKnowledge  AuthorityLevel = "soft_knowledge"
)

// ChunkRole classifies a chunk's structural function. Only normative body
// text is retrieval-eligible; TOC rows feed the document-structure graph.
type ChunkRole string

const (
	RoleTOC           ChunkRole = "toc"
	RoleFrontmatter   ChunkRole = "frontmatter"
	RoleNormativeBody ChunkRole = "normative_body"
)

// JobType names the work a queue row carries.
type JobType string

const (
	JobIngestDocument   JobType = "ingest_document"
	JobEnrichDocument   JobType = "enrich_document"
	JobCommunityRebuild JobType = "community_rebuild"
)

// JobStatus is the queue-row state machine.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// Tenant is an opaque principal directory row. Tenants are admitted through
// EnsureExists at first use; no further lifecycle is managed here.
type Tenant struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Collection is a named bundle of documents inside a tenant. A sealed
// collection rejects new source documents until reopened.
type Collection struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	TenantID  string           `json:"tenant_id" db:"tenant_id"`
	Key       string           `json:"key" db:"key"`
	Name      string           `json:"name" db:"name"`
	Status    CollectionStatus `json:"status" db:"status"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// SourceDocument is an uploaded file tracked through ingestion.
type SourceDocument struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	CollectionID     *uuid.UUID      `json:"collection_id,omitempty" db:"collection_id"`
	BatchID          *uuid.UUID      `json:"batch_id,omitempty" db:"batch_id"`
	Filename         string          `json:"filename" db:"filename"`
	StoragePath      string          `json:"storage_path" db:"storage_path"`
	StorageBucket    string          `json:"storage_bucket" db:"storage_bucket"`
	Status           IngestionStatus `json:"status" db:"status"`
	SearchableStatus string          `json:"searchable_status" db:"searchable_status"`
	AuthorityLevel   AuthorityLevel  `json:"authority_level" db:"authority_level"`
	Metadata         json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	RetryCount       int             `json:"retry_count" db:"retry_count"`
	ErrorMessage     *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Searchable statuses. A document becomes searchable as soon as its chunks
// are persisted, independent of enrichment.
const (
	SearchablePending = "pending"
	SearchableReady   = "ready"
)

// IngestionBatch groups uploads and tracks their completion counters.
type IngestionBatch struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TenantID     string          `json:"tenant_id" db:"tenant_id"`
	CollectionID uuid.UUID       `json:"collection_id" db:"collection_id"`
	TotalFiles   int             `json:"total_files" db:"total_files"`
	Completed    int             `json:"completed" db:"completed"`
	Failed       int             `json:"failed" db:"failed"`
	Status       BatchStatus     `json:"status" db:"status"`
	AutoSeal     bool            `json:"auto_seal" db:"auto_seal"`
	Stalled      bool            `json:"stalled" db:"stalled"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// IngestionEvent is an append-only progress row; the SSE stream reads these
// by cursor "{created_at}|{event_id}".
type IngestionEvent struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	SourceDocumentID uuid.UUID       `json:"source_document_id" db:"source_document_id"`
	Message          string          `json:"message" db:"message"`
	Status           EventStatus     `json:"status" db:"status"`
	Phase            string          `json:"phase" db:"phase"`
	PhaseMetadata    json.RawMessage `json:"phase_metadata,omitempty" db:"phase_metadata"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// EmbeddingProfile records which provider/model produced a chunk's vector.
type EmbeddingProfile struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Dims     int    `json:"dims"`
}

// ContentChunk is a retrievable text window. Embedding may be nil for
// structural rows (toc, frontmatter); retrieval-eligible rows always carry
// a vector.
type ContentChunk struct {
	ID                uuid.UUID        `json:"id" db:"id"`
	SourceID          uuid.UUID        `json:"source_id" db:"source_id"`
	TenantID          string           `json:"tenant_id" db:"tenant_id"`
	CollectionID      *uuid.UUID       `json:"collection_id,omitempty" db:"collection_id"`
	Content           string           `json:"content" db:"content"`
	Embedding         []float32        `json:"-" db:"embedding"`
	ChunkIndex        int              `json:"chunk_index" db:"chunk_index"`
	FilePageNumber    *int             `json:"file_page_number,omitempty" db:"file_page_number"`
	HeadingPath       []string         `json:"heading_path,omitempty" db:"heading_path"`
	ChunkRole         ChunkRole        `json:"chunk_role" db:"chunk_role"`
	RetrievalEligible bool             `json:"retrieval_eligible" db:"retrieval_eligible"`
	SourceStandard    *string          `json:"source_standard,omitempty" db:"source_standard"`
	ClauseID          *string          `json:"clause_id,omitempty" db:"clause_id"`
	AuthorityLevel    AuthorityLevel   `json:"authority_level" db:"authority_level"`
	EmbeddingProfile  EmbeddingProfile `json:"embedding_profile" db:"embedding_profile"`
	Metadata          json.RawMessage  `json:"metadata,omitempty" db:"metadata"`
	IsGlobal          bool             `json:"is_global" db:"is_global"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
}

// KnowledgeEntity is a graph node. Entities are unique per
// (tenant_id, lower(name)); RAPTOR summary mirrors carry a suffixed name and
// the RAPTOR_SUMMARY type to avoid collisions with domain entities.
type KnowledgeEntity struct {
	ID          uuid.UUID `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	Name        string    `json:"name" db:"name"`
	EntityType  string    `json:"entity_type" db:"entity_type"`
	Description string    `json:"description" db:"description"`
	Embedding   []float32 `json:"-" db:"embedding"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Entity types with engine-level meaning.
const (
	EntityTypeRaptorSummary = "RAPTOR_SUMMARY"
	EntityTypeSection       = "DOCUMENT_SECTION"
)

// Relation types with engine-level meaning.
const (
	RelationSummarizes = "SUMMARIZES"
	RelationHasSummary = "HAS_SUMMARY"
)

// KnowledgeRelation is a typed edge between two entities, unique per
// (source, target, type).
type KnowledgeRelation struct {
	ID             uuid.UUID `json:"id" db:"id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	SourceEntityID uuid.UUID `json:"source_entity_id" db:"source_entity_id"`
	TargetEntityID uuid.UUID `json:"target_entity_id" db:"target_entity_id"`
	RelationType   string    `json:"relation_type" db:"relation_type"`
	Description    string    `json:"description" db:"description"`
	Weight         float64   `json:"weight" db:"weight"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// KnowledgeNodeProvenance links an entity back to the chunk that grounded
// it. It is the only bridge from the symbolic graph to retrievable text.
type KnowledgeNodeProvenance struct {
	ID        uuid.UUID `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	EntityID  uuid.UUID `json:"entity_id" db:"entity_id"`
	ChunkID   uuid.UUID `json:"chunk_id" db:"chunk_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// KnowledgeCommunity is a cluster of related entities with a dense summary.
type KnowledgeCommunity struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	TenantID  string      `json:"tenant_id" db:"tenant_id"`
	Summary   string      `json:"summary" db:"summary"`
	Embedding []float32   `json:"-" db:"embedding"`
	EntityIDs []uuid.UUID `json:"entity_ids" db:"entity_ids"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// RegulatoryNode is a RAPTOR summary node. Level 0 is the base chunk table;
// levels 1..N live here, each level summarizing clusters of the one below.
type RegulatoryNode struct {
	ID                 uuid.UUID   `json:"id" db:"id"`
	TenantID           string      `json:"tenant_id" db:"tenant_id"`
	CollectionID       *uuid.UUID  `json:"collection_id,omitempty" db:"collection_id"`
	SourceDocumentID   *uuid.UUID  `json:"source_document_id,omitempty" db:"source_document_id"`
	Level              int         `json:"level" db:"level"`
	Title              string      `json:"title" db:"title"`
	Content            string      `json:"content" db:"content"`
	Embedding          []float32   `json:"-" db:"embedding"`
	ChildrenIDs        []uuid.UUID `json:"children_ids" db:"children_ids"`
	ChildrenSummaryIDs []uuid.UUID `json:"children_summary_ids" db:"children_summary_ids"`
	SectionNodeID      *uuid.UUID  `json:"section_node_id,omitempty" db:"section_node_id"`
	SectionRef         *string     `json:"section_ref,omitempty" db:"section_ref"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
}

// Job is one durable queue row. Lease fields implement the worker protocol:
// fetch stamps holder and expiry, heartbeats extend it, stale rows requeue.
type Job struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	TenantID             *string         `json:"tenant_id,omitempty" db:"tenant_id"`
	JobType              JobType         `json:"job_type" db:"job_type"`
	Status               JobStatus       `json:"status" db:"status"`
	Payload              json.RawMessage `json:"payload" db:"payload"`
	Result               json.RawMessage `json:"result,omitempty" db:"result"`
	ErrorMessage         *string         `json:"error_message,omitempty" db:"error_message"`
	RetryCount           int             `json:"retry_count" db:"retry_count"`
	SourceLookupRequeues int             `json:"source_lookup_requeues" db:"source_lookup_requeues"`
	LeaseHolder          *string         `json:"lease_holder,omitempty" db:"lease_holder"`
	LeaseExpiresAt       *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// VisualExtraction caches a visual-parse result keyed by content hash and
// the full provider/prompt/schema version tuple.
type VisualExtraction struct {
	ID            uuid.UUID `json:"id" db:"id"`
	ContentHash   string    `json:"content_hash" db:"content_hash"`
	ContentType   string    `json:"content_type" db:"content_type"`
	Provider      string    `json:"provider" db:"provider"`
	Model         string    `json:"model" db:"model"`
	PromptVersion string    `json:"prompt_version" db:"prompt_version"`
	SchemaVersion string    `json:"schema_version" db:"schema_version"`
	Summary       string    `json:"summary" db:"summary"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// InferAuthorityLevel derives the authority level from path and type
// patterns at ingestion time. An explicit hard_constraint marker in document
// metadata supersedes path inference.
func InferAuthorityLevel(path string, metadata map[string]interface{}) AuthorityLevel {
	if metadata != nil {
		if hc, ok := metadata["hard_constraint"].(bool); ok && hc {
			return AuthorityHardConstraint
		}
		if v, ok := metadata["authority_level"].(string); ok && v != "" {
			return AuthorityLevel(v)
		}
	}

	lower := strings.ToLower(path)
	switch {
	case containsAny(lower, "constitution", "charter"):
		return AuthorityConstitution
	case containsAny(lower, "policy", "policies"):
		return AuthorityPolicy
	case containsAny(lower, "standard", "canonical", "normative"):
		return AuthorityCanonical
	case containsAny(lower, "admin", "operations"):
		return AuthorityAdministrative
	case containsAny(lower, "notes", "scratch", "draft"):
		return AuthoritySoftKnowledge
	default:
		return AuthoritySupplementary
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
