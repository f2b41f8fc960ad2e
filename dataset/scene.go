package dataset

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/sceneseg/pointcloud"
)

// A Source loads one raw scene. Loading runs once at store construction;
// implementations need not cache.
type Source interface {
	Name() string
	Load(ctx context.Context) (*pointcloud.Cloud, error)
}

type lasSource struct {
	path   string
	logger golog.Logger
}

// NewLASSource loads a scene from a LAS file; the scene is named after the
// file.
func NewLASSource(path string, logger golog.Logger) Source {
	return &lasSource{path: path, logger: logger}
}

func (s *lasSource) Name() string {
	return strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
}

func (s *lasSource) Load(ctx context.Context) (*pointcloud.Cloud, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pointcloud.ReadLAS(s.path, s.logger)
}

type staticSource struct {
	name  string
	cloud *pointcloud.Cloud
}

// NewStaticSource wraps an in-memory cloud as a Source.
func NewStaticSource(name string, cloud *pointcloud.Cloud) Source {
	return &staticSource{name: name, cloud: cloud}
}

func (s *staticSource) Name() string {
	return s.name
}

func (s *staticSource) Load(ctx context.Context) (*pointcloud.Cloud, error) {
	return s.cloud, nil
}

// A Scene is one loaded scene: its cloud after the initial subsampling and
// the spatial index over its coordinates. Immutable after construction;
// samplers and extractors only read it.
type Scene struct {
	Name  string
	Cloud *pointcloud.Cloud
	Tree  *pointcloud.KDTree
}

type scenePoint struct {
	scene int32
	point int32
}

// A SceneStore holds every scene of a dataset plus the point indices the
// random sampling policies draw from. Read-only after construction, so
// workers share it without synchronization.
type SceneStore struct {
	scenes []*Scene
	dims   int

	// cum[i] is the number of points in scenes[0..i], for uniform draws
	// across all scenes.
	cum   []int
	total int

	labelIndex map[int32][]scenePoint
}

// NewSceneStore loads all sources in parallel, applies the initial grid
// subsampling and indexes each scene. Cylindrical datasets index the
// horizontal plane only.
func NewSceneStore(ctx context.Context, sources []Source, cfg *Config, logger golog.Logger) (*SceneStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, errors.New("scene store needs at least one source")
	}

	dims := 3
	if cfg.Cylindrical {
		dims = 2
	}
	scenes := make([]*Scene, len(sources))
	group, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		group.Go(func() error {
			cloud, err := src.Load(gctx)
			if err != nil {
				return errors.Wrapf(err, "cannot load scene %q", src.Name())
			}
			if err := cloud.Validate(); err != nil {
				return errors.Wrapf(err, "scene %q", src.Name())
			}
			if cfg.InitSubSize > 0 {
				before := cloud.Size()
				cloud = pointcloud.GridSubsample(cloud, cfg.InitSubSize)
				logger.Debugf("scene %q subsampled from %d to %d points at %.3f", src.Name(), before, cloud.Size(), cfg.InitSubSize)
			}
			scenes[i] = &Scene{
				Name:  src.Name(),
				Cloud: cloud,
				Tree:  pointcloud.NewKDTree(cloud.Points, dims),
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	store := &SceneStore{
		scenes:     scenes,
		dims:       dims,
		cum:        make([]int, len(scenes)),
		labelIndex: make(map[int32][]scenePoint),
	}
	for i, scene := range scenes {
		store.total += scene.Cloud.Size()
		store.cum[i] = store.total
		for p, label := range scene.Cloud.Labels {
			store.labelIndex[label] = append(store.labelIndex[label], scenePoint{scene: int32(i), point: int32(p)})
		}
	}
	logger.Infof("scene store holds %d scenes, %d points", len(scenes), store.total)
	return store, nil
}

// Len returns the number of scenes.
func (s *SceneStore) Len() int {
	return len(s.scenes)
}

// Scene returns scene i.
func (s *SceneStore) Scene(i int32) *Scene {
	return s.scenes[i]
}

// TotalPoints returns the point count across all scenes.
func (s *SceneStore) TotalPoints() int {
	return s.total
}

// QueryDims returns the number of indexed axes: 2 for cylindrical datasets,
// 3 otherwise.
func (s *SceneStore) QueryDims() int {
	return s.dims
}

// flatIndex maps u in [0, TotalPoints()) to its (scene, point) pair.
func (s *SceneStore) flatIndex(u int) (int32, int32) {
	i := sort.SearchInts(s.cum, u+1)
	prev := 0
	if i > 0 {
		prev = s.cum[i-1]
	}
	return int32(i), int32(u - prev)
}

// labelPoints returns every (scene, point) pair carrying a label value.
func (s *SceneStore) labelPoints(label int32) []scenePoint {
	return s.labelIndex[label]
}

// nonEmptyLabels filters a label list down to the values that actually
// occur in the store.
func (s *SceneStore) nonEmptyLabels(labels []int32) []int32 {
	out := make([]int32, 0, len(labels))
	for _, label := range labels {
		if len(s.labelIndex[label]) > 0 {
			out = append(out, label)
		}
	}
	return out
}
