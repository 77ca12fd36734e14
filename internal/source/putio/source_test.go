package putio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	putio "github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSource(serverURL string) *Source {
	goputioClient := putio.NewClient(nil)
	u, _ := url.Parse(serverURL)
	goputioClient.BaseURL = u

	return &Source{putioClient: goputioClient}
}

func folderServer(t *testing.T) *httptest.Server {
	t.Helper()

	files := map[string]string{
		"10": `{"file":{"id":10,"name":"show","size":0,"file_type":"FOLDER","content_type":"application/x-directory"}}`,
		"30": `{"file":{"id":30,"name":"movie.mkv","size":300,"file_type":"VIDEO","content_type":"video/x-matroska","crc32":"cafebabe"}}`,
	}

	lists := map[string]string{
		"10": `{"files":[
			{"id":11,"name":"s01e01.mkv","size":100,"file_type":"VIDEO","content_type":"video/x-matroska","crc32":"0a1b2c3d"},
			{"id":12,"name":"extras","size":0,"file_type":"FOLDER","content_type":"application/x-directory"}
		],"parent":{"id":10,"name":"show","file_type":"FOLDER","content_type":"application/x-directory"}}`,
		"12": `{"files":[
			{"id":13,"name":"notes.txt","size":5,"file_type":"TEXT","content_type":"text/plain"}
		],"parent":{"id":12,"name":"extras","file_type":"FOLDER","content_type":"application/x-directory"}}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/files/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		rest := strings.TrimPrefix(r.URL.Path, "/v2/files/")

		switch {
		case rest == "list":
			if body, ok := lists[r.URL.Query().Get("parent_id")]; ok {
				fmt.Fprint(w, body)
				return
			}
		case strings.HasSuffix(rest, "/url"):
			id := strings.TrimSuffix(rest, "/url")
			fmt.Fprintf(w, `{"url":"https://dl.put.io/%s"}`, id)

			return
		default:
			if body, ok := files[rest]; ok {
				fmt.Fprint(w, body)
				return
			}
		}

		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error_type":"NOT_FOUND","error_message":"not found"}`)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func TestArtifactsWalksFolders(t *testing.T) {
	server := folderServer(t)

	artifacts, err := newTestSource(server.URL).Artifacts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)

	assert.Equal(t, "s01e01.mkv", artifacts[0].Path)
	assert.Equal(t, []string{"https://dl.put.io/11"}, artifacts[0].URLs)
	assert.Equal(t, int64(100), artifacts[0].Size)
	assert.Equal(t, "CRC32", artifacts[0].Algorithm)
	assert.Equal(t, "0a1b2c3d", artifacts[0].Digest)

	assert.Equal(t, "extras/notes.txt", artifacts[1].Path)
	assert.Empty(t, artifacts[1].Algorithm, "no checksum published")
}

func TestArtifactsOfSingleFile(t *testing.T) {
	server := folderServer(t)

	artifacts, err := newTestSource(server.URL).Artifacts(context.Background(), 30)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "movie.mkv", artifacts[0].Path)
	assert.Equal(t, "cafebabe", artifacts[0].Digest)
}

func TestArtifactsUnknownFolder(t *testing.T) {
	server := folderServer(t)

	_, err := newTestSource(server.URL).Artifacts(context.Background(), 99)
	assert.Error(t, err)
}
