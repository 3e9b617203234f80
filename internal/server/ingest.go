package server

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/ragserve/internal/admission"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/index"
	"github.com/Aman-CERP/ragserve/internal/ingest"
	"github.com/Aman-CERP/ragserve/internal/jobs"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/telemetry"
)

const defaultIngestWorkers = 4

type ingestResponse struct {
	DocumentsProcessed int      `json:"documents_processed"`
	ChunksCreated      int      `json:"chunks_created"`
	DuplicatesSkipped  int      `json:"duplicates_skipped"`
	Errors             []string `json:"errors"`
}

type reindexResponse struct {
	ingestResponse
	DeletedDocuments int `json:"deleted_documents"`
}

type deleteResponse struct {
	DeletedDocuments int `json:"deleted_documents"`
}

type collectionResponse struct {
	*store.CollectionInfo
	Stats *telemetry.CollectionStats `json:"stats,omitempty"`
}

// handleIngest accepts a multipart upload and indexes every file into
// the named collection. Failures are per file: one bad document lands
// in errors without sinking the rest of the batch.
func (s *Server) handleIngest(c *gin.Context) {
	dec := s.admission.Admit(s.clientID(c), admission.ScopeIngest)
	if !dec.Allowed {
		s.metrics.RecordDenial(dec.Reason)
		writeError(c, admission.DenialError(dec))
		return
	}
	defer dec.Ticket.Release()

	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, multipartError(err))
		return
	}
	collection := c.PostForm("collection")
	if collection == "" {
		writeError(c, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			"collection form field is required", nil))
		return
	}
	proc, err := s.requestProcessor(c)
	if err != nil {
		writeError(c, err)
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		writeError(c, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			"at least one file is required in the files field", nil))
		return
	}

	ctx := c.Request.Context()
	if _, err := s.catalog.Ensure(ctx, collection, s.embedder.ModelName(), s.embedder.Dimensions()); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.ingestFiles(ctx, proc, collection, c.PostForm("version"), files))
}

// handleReindexSource atomically replaces everything indexed for one
// source with the uploaded document's chunks.
func (s *Server) handleReindexSource(c *gin.Context) {
	dec := s.admission.Admit(s.clientID(c), admission.ScopeIngest)
	if !dec.Allowed {
		s.metrics.RecordDenial(dec.Reason)
		writeError(c, admission.DenialError(dec))
		return
	}
	defer dec.Ticket.Release()
	start := time.Now()

	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, multipartError(err))
		return
	}
	collection := c.PostForm("collection")
	source := c.PostForm("source")
	if collection == "" || source == "" {
		writeError(c, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			"collection and source form fields are required", nil))
		return
	}
	proc, err := s.requestProcessor(c)
	if err != nil {
		writeError(c, err)
		return
	}
	files := form.File["files"]
	if len(files) != 1 {
		writeError(c, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			"reindex_source replaces one document; send exactly one file", nil))
		return
	}

	ctx := c.Request.Context()
	data, err := readUpload(files[0])
	if err != nil {
		writeError(c, err)
		return
	}
	chunks, err := proc.Process(ctx, collection, source, c.PostForm("version"), data)
	if err != nil {
		writeError(c, err)
		return
	}
	var vecs [][]float32
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, ck := range chunks {
			texts[i] = ck.Text
		}
		if vecs, err = s.embedder.EmbedBatch(ctx, texts); err != nil {
			writeError(c, err)
			return
		}
	}
	res, err := s.indexer.ReindexSource(ctx, collection, source, chunks, vecs)
	if err != nil {
		writeError(c, err)
		return
	}

	s.metrics.RecordIngest(collection, fileType(source), 1, res.Indexed, res.Duplicates, time.Since(start).Seconds())
	c.JSON(http.StatusOK, reindexResponse{
		ingestResponse: ingestResponse{
			DocumentsProcessed: 1,
			ChunksCreated:      res.Indexed,
			DuplicatesSkipped:  res.Duplicates,
			Errors:             []string{},
		},
		DeletedDocuments: res.Deleted,
	})
}

// handleDeleteSource removes every chunk of a source, optionally scoped
// to a version via the version query parameter.
func (s *Server) handleDeleteSource(c *gin.Context) {
	dec := s.admission.Admit(s.clientID(c), admission.ScopeIngest)
	if !dec.Allowed {
		s.metrics.RecordDenial(dec.Reason)
		writeError(c, admission.DenialError(dec))
		return
	}
	defer dec.Ticket.Release()

	collection := c.Param("collection")
	source := strings.TrimPrefix(c.Param("source"), "/")
	if source == "" {
		writeError(c, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			"source path segment is required", nil))
		return
	}

	res, err := s.indexer.DeleteBySource(c.Request.Context(), collection, source, c.Query("version"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, deleteResponse{DeletedDocuments: res.MetadataDeleted})
}

// handleCollectionInfo reports manifest data, chunk counts, and the
// collection's query statistics.
func (s *Server) handleCollectionInfo(c *gin.Context) {
	name := c.Param("collection")
	info, err := s.catalog.Info(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := collectionResponse{CollectionInfo: info}
	if s.telemetry != nil {
		stats := s.telemetry.Collection(name)
		resp.Stats = &stats
	}
	c.JSON(http.StatusOK, resp)
}

// handleIngestAsync enqueues a directory walk as a background job and
// returns its id immediately.
func (s *Server) handleIngestAsync(c *gin.Context) {
	dec := s.admission.Admit(s.clientID(c), admission.ScopeIngest)
	if !dec.Allowed {
		s.metrics.RecordDenial(dec.Reason)
		writeError(c, admission.DenialError(dec))
		return
	}
	defer dec.Ticket.Release()

	var req asyncIngestRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	job, err := s.jobs.Submit(index.RunnerConfig{
		RootDir:    req.RootDir,
		Collection: req.Collection,
		Version:    req.Version,
		BatchSize:  req.BatchSize,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, jobSubmitted{JobID: job.ID()})
}

func (s *Server) handleGetJob(c *gin.Context) {
	snap, ok := s.jobs.Get(c.Param("id"))
	if !ok {
		writeError(c, ragerrors.NotFoundError(ragerrors.ErrCodeJobNotFound,
			"ingest job "+c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, jobList{Jobs: s.jobs.List()})
}

type asyncIngestRequest struct {
	Collection string `json:"collection"`
	RootDir    string `json:"root_dir"`
	Version    string `json:"version,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
}

type jobSubmitted struct {
	JobID string `json:"job_id"`
}

type jobList struct {
	Jobs []jobs.Snapshot `json:"jobs"`
}

// ingestFiles fans the uploads out over the ingest worker pool. Counts
// and errors accumulate under one mutex; slice order of errors follows
// completion order, not upload order.
func (s *Server) ingestFiles(ctx context.Context, proc *ingest.Processor, collection, version string, files []*multipart.FileHeader) *ingestResponse {
	resp := &ingestResponse{Errors: []string{}}
	var mu sync.Mutex

	workers := s.cfg.Ingest.Workers
	if workers <= 0 {
		workers = defaultIngestWorkers
	}
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, fh := range files {
		g.Go(func() error {
			start := time.Now()
			res, err := s.ingestOne(ctx, proc, collection, version, fh)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				se := coerce(err)
				resp.Errors = append(resp.Errors, fh.Filename+": "+se.Message)
				s.metrics.RecordError(se.Code, "ingest")
				return nil
			}
			resp.DocumentsProcessed++
			resp.ChunksCreated += res.Indexed
			resp.DuplicatesSkipped += res.Duplicates
			s.metrics.RecordIngest(collection, fileType(fh.Filename), 1, res.Indexed, res.Duplicates, time.Since(start).Seconds())
			return nil
		})
	}
	_ = g.Wait()
	return resp
}

func (s *Server) ingestOne(ctx context.Context, proc *ingest.Processor, collection, version string, fh *multipart.FileHeader) (*index.UpsertResult, error) {
	data, err := readUpload(fh)
	if err != nil {
		return nil, err
	}
	chunks, err := proc.Process(ctx, collection, fh.Filename, version, data)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		// Parsed but nothing extractable: processed, zero chunks.
		return &index.UpsertResult{}, nil
	}
	texts := make([]string, len(chunks))
	for i, ck := range chunks {
		texts[i] = ck.Text
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	return s.indexer.Upsert(ctx, collection, chunks, vecs)
}

// requestProcessor returns the shared processor, or a request-scoped
// one when the form overrides chunk_size or chunk_overlap.
func (s *Server) requestProcessor(c *gin.Context) (*ingest.Processor, error) {
	sizeRaw := c.PostForm("chunk_size")
	overlapRaw := c.PostForm("chunk_overlap")
	if sizeRaw == "" && overlapRaw == "" {
		return s.processor, nil
	}

	cfg := s.cfg.Ingest
	if sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil || size <= 0 {
			return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput,
				"chunk_size must be a positive integer", err)
		}
		cfg.ChunkSize = size
	}
	if overlapRaw != "" {
		overlap, err := strconv.Atoi(overlapRaw)
		if err != nil || overlap < 0 {
			return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput,
				"chunk_overlap must be a non-negative integer", err)
		}
		cfg.ChunkOverlap = overlap
	}
	return ingest.NewProcessor(cfg, ingest.WithLogger(s.log)), nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeInternal,
			"failed to open uploaded file "+fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeInternal,
			"failed to read uploaded file "+fh.Filename, err)
	}
	return data, nil
}

// multipartError maps form parse failures onto the error taxonomy.
func multipartError(err error) error {
	var se *ragerrors.ServiceError
	if errors.As(err, &se) {
		return err
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return coerce(err)
	}
	return ragerrors.New(ragerrors.ErrCodeInvalidInput,
		"request is not valid multipart form data", err)
}

func fileType(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return "unknown"
	}
	return ext
}
