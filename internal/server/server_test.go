package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fmoretti/semamap/internal/dataset"
	"github.com/fmoretti/semamap/internal/embed"
	"github.com/fmoretti/semamap/internal/lifecycle"
	"github.com/fmoretti/semamap/internal/tile"
	"github.com/fmoretti/semamap/internal/vectordb"
)

const testDataset = "photos"

// newTestServer builds a 61-image pyramid in a memory store and serves it.
func newTestServer(t *testing.T, encoder embed.TextEncoder) (*httptest.Server, *vectordb.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := vectordb.NewMemoryStore()

	coll, err := store.CreateCollection(ctx, dataset.EmbeddingsSchema(testDataset))
	if err != nil {
		t.Fatal(err)
	}
	rows := make([]vectordb.Row, 61)
	for i := range rows {
		emb := make([]float32, dataset.EmbeddingDim)
		emb[i] = 1
		rows[i] = vectordb.Row{
			dataset.FieldIndex:     int64(i),
			dataset.FieldEmbedding: emb,
			dataset.FieldX:         float32(float64((i*37)%101) / 101),
			dataset.FieldY:         float32(float64((i*53)%97) / 97),
			dataset.FieldPath:      fmt.Sprintf("img_%04d.jpg", i),
			dataset.FieldWidth:     int64(640),
			dataset.FieldHeight:    int64(480),
		}
	}
	if err := coll.Insert(ctx, rows); err != nil {
		t.Fatal(err)
	}
	if err := coll.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	b := tile.NewBuilder(store, tile.Config{Dataset: testDataset, Seed: 11})
	if err := b.Run(ctx); err != nil {
		t.Fatal(err)
	}

	registry := lifecycle.NewRegistry(store, 0)
	if _, err := registry.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewHandler(NewFacade(registry, encoder)))
	t.Cleanup(srv.Close)
	return srv, store
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestCollectionNames(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	var body struct {
		Collections []string `json:"collections"`
	}
	resp := getJSON(t, srv.URL+"/api/collection-names", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	if len(body.Collections) != 1 || body.Collections[0] != testDataset {
		t.Fatalf("collections = %v", body.Collections)
	}
}

func TestCollectionInfo(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	var info CollectionInfo
	resp := getJSON(t, srv.URL+"/api/collection-info?collection="+testDataset, &info)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if info.NumberOfEntities != 61 {
		t.Errorf("number_of_entities = %d", info.NumberOfEntities)
	}
	if info.ZoomLevels < 1 {
		t.Errorf("zoom_levels = %d, want >= 1 for 61 images", info.ZoomLevels)
	}

	resp = getJSON(t, srv.URL+"/api/collection-info?collection=ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown collection status = %d, want 404", resp.StatusCode)
	}
}

func TestFirstTilesAndGetTiles(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	var tiles []*TileRecord
	resp := getJSON(t, srv.URL+"/api/first-tiles?collection="+testDataset, &tiles)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(tiles) == 0 {
		t.Fatal("no tiles")
	}
	if tiles[0].Index != 0 || tiles[0].ZoomPlusTile != [3]int{0, 0, 0} {
		t.Fatalf("first tile = %+v", tiles[0])
	}
	if tiles[0].Range == nil {
		t.Error("root tile served without range")
	}
	for _, tr := range tiles[1:] {
		if tr.Range != nil {
			t.Errorf("tile %d has a range", tr.Index)
		}
	}

	var picked []*TileRecord
	resp = getJSON(t, srv.URL+"/api/tiles?collection="+testDataset+"&indexes=0,2", &picked)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(picked) != 2 || picked[0].Index+picked[1].Index != 2 {
		t.Fatalf("picked = %+v", picked)
	}

	resp = getJSON(t, srv.URL+"/api/tiles?collection="+testDataset+"&indexes=0,abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed indexes status = %d, want 400", resp.StatusCode)
	}
}

func TestTilesAcceptClustersName(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	suffixed := dataset.ClustersName(testDataset)

	var tiles []*TileRecord
	resp := getJSON(t, srv.URL+"/api/first-tiles?collection="+suffixed, &tiles)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first-tiles with %q: status = %d, want 200", suffixed, resp.StatusCode)
	}
	if len(tiles) == 0 || tiles[0].ZoomPlusTile != [3]int{0, 0, 0} {
		t.Fatalf("first-tiles with %q returned %d tiles", suffixed, len(tiles))
	}

	var picked []*TileRecord
	resp = getJSON(t, srv.URL+"/api/tiles?collection="+suffixed+"&indexes=0", &picked)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tiles with %q: status = %d, want 200", suffixed, resp.StatusCode)
	}
	if len(picked) != 1 || picked[0].Index != 0 {
		t.Fatalf("picked = %+v", picked)
	}

	resp = getJSON(t, srv.URL+"/api/tiles?collection="+dataset.ImageToTileName(testDataset)+"&indexes=0", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("image-to-tile name status = %d, want 400", resp.StatusCode)
	}
}

func TestImageToTileDispatch(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	var root *TileRecord
	var tiles []*TileRecord
	getJSON(t, srv.URL+"/api/tiles?collection="+testDataset+"&indexes=0", &tiles)
	if len(tiles) != 1 {
		t.Fatal("root tile missing")
	}
	root = tiles[0]

	rootReps := map[int64]bool{}
	for _, rep := range root.Data {
		rootReps[rep.Index] = true
	}
	if len(rootReps) == 0 {
		t.Fatal("root has no representatives")
	}

	// A root representative maps to the root tile.
	var rootIdx int64 = -1
	for idx := range rootReps {
		rootIdx = idx
		break
	}
	var it ImageTile
	resp := getJSON(t, fmt.Sprintf("%s/api/image-to-tile?collection=%s&index=%d", srv.URL, testDataset, rootIdx), &it)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if it.ZoomPlusTile != [3]int{0, 0, 0} {
		t.Errorf("root rep %d maps to %v, want the root", rootIdx, it.ZoomPlusTile)
	}

	// An image that is not a root representative first appears deeper.
	var deepIdx int64 = -1
	for i := int64(0); i < 61; i++ {
		if !rootReps[i] {
			deepIdx = i
			break
		}
	}
	if deepIdx < 0 {
		t.Skip("every image is a root representative")
	}
	resp = getJSON(t, fmt.Sprintf("%s/api/image-to-tile?collection=%s&index=%d", srv.URL, testDataset, deepIdx), &it)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if it.ZoomPlusTile[0] < 1 {
		t.Errorf("non-root image %d maps to zoom %d, want >= 1", deepIdx, it.ZoomPlusTile[0])
	}

	resp = getJSON(t, srv.URL+"/api/image-to-tile?collection="+testDataset+"&index=99999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown image status = %d, want 404", resp.StatusCode)
	}
}

func TestImages(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	var refs []ImageRef
	resp := getJSON(t, srv.URL+"/api/images?collection="+testDataset+"&indexes=3&indexes=7,9", &refs)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(refs) != 3 {
		t.Fatalf("got %d refs", len(refs))
	}
	want := map[int64]string{3: "img_0003.jpg", 7: "img_0007.jpg", 9: "img_0009.jpg"}
	for _, ref := range refs {
		if want[ref.Index] != ref.Path {
			t.Errorf("ref %d = %q", ref.Index, ref.Path)
		}
	}
}

func TestNeighborsSelfFirst(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	var reps []*tile.Representative
	resp := getJSON(t, srv.URL+"/api/neighbors?collection="+testDataset+"&index=17&k=5", &reps)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(reps) == 0 || len(reps) > 5 {
		t.Fatalf("got %d neighbors", len(reps))
	}
	if reps[0].Index != 17 {
		t.Errorf("rank-1 neighbor = %d, want the query image 17", reps[0].Index)
	}

	resp = getJSON(t, srv.URL+"/api/neighbors?collection="+testDataset+"&index=99999&k=5", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown image status = %d, want 404", resp.StatusCode)
	}
}

func TestImageText(t *testing.T) {
	enc := embed.Func(func(ctx context.Context, text string) ([]float32, error) {
		if text == "broken" {
			return nil, errors.New("encoder offline")
		}
		vec := make([]float32, dataset.EmbeddingDim)
		vec[5] = 1
		return vec, nil
	})
	srv, _ := newTestServer(t, enc)

	var rep tile.Representative
	resp := getJSON(t, srv.URL+"/api/image-text?collection="+testDataset+"&text=sunset", &rep)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if rep.Index != 5 || rep.Path != "img_0005.jpg" {
		t.Errorf("matched %+v, want image 5", rep)
	}

	resp = getJSON(t, srv.URL+"/api/image-text?collection="+testDataset+"&text=broken", nil)
	if resp.StatusCode != statusVectorStore {
		t.Errorf("encoder failure status = %d, want %d", resp.StatusCode, statusVectorStore)
	}

	resp = getJSON(t, srv.URL+"/api/image-text?collection="+testDataset+"&text=", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty text status = %d, want 400", resp.StatusCode)
	}
}

func TestBadDatasetName(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp := getJSON(t, srv.URL+"/api/collection-info?collection=2024bad", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
