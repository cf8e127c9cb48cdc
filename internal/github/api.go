package github

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/user/pullis/internal/storage"
	"github.com/user/pullis/pkg/logger"
)

// RepositoryLister lists tracked repositories.
type RepositoryLister interface {
	List(ctx context.Context) ([]storage.Repository, error)
	FindByOwner(ctx context.Context, ownerID string, ownerType storage.OwnerType) ([]storage.Repository, error)
}

// InstallHandler responds with the GitHub App installation URL.
func InstallHandler(installURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if installURL == "" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "github app slug is not configured"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"installUrl": installURL})
	}
}

// RepositoriesHandler responds with the tracked repositories, optionally
// filtered by the owner_id and owner_type query parameters. With an apiToken,
// callers must present it as a bearer token and see private repositories too;
// without one only public repositories are listed.
func RepositoriesHandler(repos RepositoryLister, apiToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorized := false
		if apiToken != "" {
			if !validBearer(r, apiToken) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			authorized = true
		}

		var (
			list []storage.Repository
			err  error
		)
		if ownerID := r.URL.Query().Get("owner_id"); ownerID != "" {
			ownerType := storage.ParseOwnerType(r.URL.Query().Get("owner_type"))
			list, err = repos.FindByOwner(r.Context(), ownerID, ownerType)
		} else {
			list, err = repos.List(r.Context())
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to list repositories")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list repositories"})
			return
		}

		type repository struct {
			ID        string `json:"id"`
			GitHubID  int64  `json:"githubId"`
			Name      string `json:"name"`
			FullName  string `json:"fullName"`
			Private   bool   `json:"private"`
			OwnerID   string `json:"ownerId"`
			OwnerType string `json:"ownerType"`
		}
		out := make([]repository, 0, len(list))
		for _, repo := range list {
			if repo.Private && !authorized {
				continue
			}
			out = append(out, repository{
				ID:        repo.ID,
				GitHubID:  repo.GitHubID,
				Name:      repo.Name,
				FullName:  repo.FullName,
				Private:   repo.Private,
				OwnerID:   repo.OwnerID,
				OwnerType: string(repo.OwnerType),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"repositories": out})
	}
}

func validBearer(r *http.Request, token string) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn().Err(err).Msg("Failed to write response")
	}
}
