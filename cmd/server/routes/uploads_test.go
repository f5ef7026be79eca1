package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/droppoint/droppoint/internal/common"
	"github.com/droppoint/droppoint/internal/storage"
	"github.com/droppoint/droppoint/internal/transfer"
	"github.com/droppoint/droppoint/internal/upload"
	"github.com/droppoint/droppoint/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	router    *gin.Engine
	transfers *transfer.Service
	uploads   *upload.Manager
}

func setupTestEnv(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Transfer{}, &types.FileRecord{}))

	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	transfers := transfer.NewService(&common.Database{DB: db}, blobs, nil, 24*time.Hour, 7*24*time.Hour)
	uploads := upload.NewManager(upload.NewMemoryOffsetStore(), blobs, transfers, 0)

	router := gin.New()
	api := router.Group("/api/v1")
	UploadRoutes(api, uploads)
	TransferRoutes(api, transfers)

	return &testEnv{router: router, transfers: transfers, uploads: uploads}
}

func (env *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	recorder := httptest.NewRecorder()
	env.router.ServeHTTP(recorder, req)
	return recorder
}

func (env *testEnv) createTransfer(t *testing.T) *types.Transfer {
	created, err := env.transfers.Create(context.Background(), "test transfer", time.Hour)
	require.NoError(t, err)
	return created
}

func uploadHeaders(transferID, length string) map[string]string {
	return map[string]string{
		HeaderUploadLength:   length,
		HeaderUploadMetadata: upload.EncodeMetadata(map[string]string{
			upload.MetaTransferID: transferID,
			upload.MetaFilename:   "doc.txt",
		}),
	}
}

func TestUploadCreate_Validation(t *testing.T) {
	env := setupTestEnv(t)
	transferID := env.createTransfer(t).ID.String()

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{
			name:       "missing Upload-Length",
			headers:    map[string]string{HeaderUploadMetadata: "transfer_id dC0x"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "non-numeric Upload-Length",
			headers:    uploadHeaders(transferID, "ten"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "negative Upload-Length",
			headers:    uploadHeaders(transferID, "-5"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "malformed metadata",
			headers: map[string]string{
				HeaderUploadLength:   "10",
				HeaderUploadMetadata: "transfer_id one two three",
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown transfer",
			headers:    uploadHeaders("b1f9f0f6-0000-0000-0000-000000000000", "10"),
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/v1/uploads", "", tt.headers)
			assert.Equal(t, tt.wantStatus, resp.Code)
		})
	}
}

func TestUploadProtocolFlow(t *testing.T) {
	env := setupTestEnv(t)
	transferID := env.createTransfer(t).ID.String()

	// Create a session with the first 5 of 10 bytes in the creation body.
	resp := env.do(t, http.MethodPost, "/api/v1/uploads", "01234", uploadHeaders(transferID, "10"))
	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, "5", resp.Header().Get(HeaderUploadOffset))
	assert.Equal(t, "10", resp.Header().Get(HeaderUploadLength))

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "/api/v1/uploads/"+created.ID, resp.Header().Get("Location"))

	sessionPath := "/api/v1/uploads/" + created.ID

	// HEAD reports the current offset without a body.
	resp = env.do(t, http.MethodHead, sessionPath, "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "5", resp.Header().Get(HeaderUploadOffset))
	assert.Equal(t, "10", resp.Header().Get(HeaderUploadLength))
	assert.Equal(t, "no-store", resp.Header().Get("Cache-Control"))

	// A chunk at the wrong offset is rejected with the authoritative one.
	resp = env.do(t, http.MethodPatch, sessionPath, "XX", map[string]string{HeaderUploadOffset: "3"})
	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "5", resp.Header().Get(HeaderUploadOffset))

	var conflict struct {
		Offset int64 `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &conflict))
	assert.Equal(t, int64(5), conflict.Offset)

	// Resending from the reported offset finishes the upload.
	resp = env.do(t, http.MethodPatch, sessionPath, "56789", map[string]string{HeaderUploadOffset: "5"})
	require.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "10", resp.Header().Get(HeaderUploadOffset))

	// GET shows the completed session.
	resp = env.do(t, http.MethodGet, sessionPath, "", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var status struct {
		Offset   int64 `json:"offset"`
		Complete bool  `json:"complete"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.Equal(t, int64(10), status.Offset)
	assert.True(t, status.Complete)

	// Further appends are refused.
	resp = env.do(t, http.MethodPatch, sessionPath, "more", map[string]string{HeaderUploadOffset: "10"})
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestUploadAppend_Validation(t *testing.T) {
	env := setupTestEnv(t)
	transferID := env.createTransfer(t).ID.String()

	resp := env.do(t, http.MethodPost, "/api/v1/uploads", "", uploadHeaders(transferID, "10"))
	require.Equal(t, http.StatusCreated, resp.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	sessionPath := "/api/v1/uploads/" + created.ID

	t.Run("missing Upload-Offset", func(t *testing.T) {
		resp := env.do(t, http.MethodPatch, sessionPath, "data", nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("negative Upload-Offset", func(t *testing.T) {
		resp := env.do(t, http.MethodPatch, sessionPath, "data", map[string]string{HeaderUploadOffset: "-1"})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("unknown session", func(t *testing.T) {
		resp := env.do(t, http.MethodPatch, "/api/v1/uploads/missing", "data", map[string]string{HeaderUploadOffset: "0"})
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("chunk past declared size", func(t *testing.T) {
		resp := env.do(t, http.MethodPatch, sessionPath, strings.Repeat("x", 11), map[string]string{HeaderUploadOffset: "0"})
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	})
}

func TestUploadCancel(t *testing.T) {
	env := setupTestEnv(t)
	transferID := env.createTransfer(t).ID.String()

	resp := env.do(t, http.MethodPost, "/api/v1/uploads", "abc", uploadHeaders(transferID, "10"))
	require.Equal(t, http.StatusCreated, resp.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	sessionPath := "/api/v1/uploads/" + created.ID

	resp = env.do(t, http.MethodDelete, sessionPath, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)

	// The session is gone.
	resp = env.do(t, http.MethodHead, sessionPath, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// Cancelling again stays 204.
	resp = env.do(t, http.MethodDelete, sessionPath, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
}

func TestUploadCancel_CompletedSession(t *testing.T) {
	env := setupTestEnv(t)
	transferID := env.createTransfer(t).ID.String()

	resp := env.do(t, http.MethodPost, "/api/v1/uploads", "done", uploadHeaders(transferID, "4"))
	require.Equal(t, http.StatusCreated, resp.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))

	resp = env.do(t, http.MethodDelete, "/api/v1/uploads/"+created.ID, "", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)
}
