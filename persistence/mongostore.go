// Package persistence provides an optional durable backing store for
// ObjectLibrary and its Vocabulary, generalizing the teacher's
// db/app Mongo-backed hash-collection lifecycle (GetDbClient,
// HelperRecord, BuildIndex, TryUpdateLocalHasher) from raw feature
// vectors to whole object signatures. ObjectLibrary works entirely
// in-memory without this package; it is a bolt-on for deployments
// that need to survive a restart.
package persistence

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/gasparian/find-object-go/keypoint"
	"github.com/gasparian/find-object-go/objectlibrary"
)

// Config points at a Mongo deployment and names the collections used.
type Config struct {
	Address              string
	Timeout              time.Duration
	DbName               string
	ObjectsCollection    string
	HelperCollectionName string
}

// PointRecord is the DTO for one keypoint.Point.
type PointRecord struct {
	X, Y     float64
	Size     float64
	Angle    float64
	Response float64
	Octave   int
	ClassID  int
}

// ObjectRecord is the on-disk DTO for an objectlibrary.ObjSignature: it
// keeps the in-memory type free of storage tags.
type ObjectRecord struct {
	ID          int             `bson:"_id"`
	Filename    string          `bson:"filename"`
	Rect        objectlibrary.Rect `bson:"rect"`
	Points      []PointRecord   `bson:"points"`
	Descriptors [][]float64     `bson:"descriptors,omitempty"`
	Binary      [][]byte        `bson:"binary,omitempty"`
	Words       map[string]int  `bson:"words"` // word id (decimal string) -> local keypoint index
}

// HelperRecord tracks the vocabulary build lifecycle, mirroring the
// teacher's HelperRecord (IsBuildDone/BuildError/LastBuildTime) plus
// the serialized vocabulary blob itself.
type HelperRecord struct {
	ID               string    `bson:"_id"`
	IsBuildDone      bool      `bson:"isBuildDone"`
	BuildError       string    `bson:"buildError"`
	LastBuildTime    time.Time `bson:"lastBuildTime"`
	BuildElapsedTime time.Duration `bson:"buildElapsedTime"`
	Vocabulary       []byte    `bson:"vocabulary,omitempty"`
	BuildID          string    `bson:"buildId,omitempty"`
	NextObjID        int       `bson:"nextObjId,omitempty"`
}

const helperRecordID = "singleton"

var errBuildInProgress = errors.New("persistence: previous build has not finished")

// Store wraps a Mongo client and exposes the object-library persistence
// operations. Zero value is not usable; construct with Connect.
type Store struct {
	cfg    Config
	client *mongo.Client
}

// Connect dials Mongo and pings the primary, in the shape of the
// teacher's db.GetDbClient.
func Connect(cfg Config) (*Store, error) {
	client, err := mongo.NewClient(options.Client().ApplyURI(cfg.Address))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, client: client}, nil
}

// Disconnect closes the underlying connection.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) objects() *mongo.Collection {
	return s.client.Database(s.cfg.DbName).Collection(s.cfg.ObjectsCollection)
}

func (s *Store) helper() *mongo.Collection {
	return s.client.Database(s.cfg.DbName).Collection(s.cfg.HelperCollectionName)
}

func toPointRecords(pts keypoint.Points) []PointRecord {
	out := make([]PointRecord, len(pts))
	for i, p := range pts {
		out[i] = PointRecord{X: p.X, Y: p.Y, Size: p.Size, Angle: p.Angle, Response: p.Response, Octave: p.Octave, ClassID: p.ClassID}
	}
	return out
}

func fromPointRecords(recs []PointRecord) keypoint.Points {
	out := make(keypoint.Points, len(recs))
	for i, r := range recs {
		out[i] = keypoint.Point{X: r.X, Y: r.Y, Size: r.Size, Angle: r.Angle, Response: r.Response, Octave: r.Octave, ClassID: r.ClassID}
	}
	return out
}

func wordsToBSON(words map[int]int) map[string]int {
	out := make(map[string]int, len(words))
	for wordID, local := range words {
		out[strconv.Itoa(wordID)] = local
	}
	return out
}

func wordsFromBSON(raw map[string]int) map[int]int {
	out := make(map[int]int, len(raw))
	for k, v := range raw {
		if id, err := strconv.Atoi(k); err == nil {
			out[id] = v
		}
	}
	return out
}

// ToRecord converts a signature to its persisted DTO.
func ToRecord(sig *objectlibrary.ObjSignature) ObjectRecord {
	rec := ObjectRecord{
		ID:       sig.ID,
		Filename: sig.Filename,
		Rect:     sig.Rect,
		Points:   toPointRecords(sig.Keypoints),
		Words:    wordsToBSON(sig.Words),
	}
	if sig.Descriptors.IsBinary() {
		rec.Binary = sig.Descriptors.Binary
	} else {
		rec.Descriptors = sig.Descriptors.Rows
	}
	return rec
}

// SaveObject upserts one ObjSignature's persisted form.
func (s *Store) SaveObject(ctx context.Context, sig *objectlibrary.ObjSignature) error {
	rec := ToRecord(sig)
	_, err := s.objects().ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	return err
}

// DeleteObject removes a persisted signature.
func (s *Store) DeleteObject(ctx context.Context, id int) error {
	_, err := s.objects().DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// LoadObjects returns every persisted signature, in id order, as
// (id, filename, rect, keypoints, descriptors, words) tuples the caller
// rehydrates into its own objectlibrary.Library.
func (s *Store) LoadObjects(ctx context.Context) ([]ObjectRecord, error) {
	cursor, err := s.objects().Find(ctx, bson.M{}, options.Find().SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []ObjectRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordToSignature rehydrates a persisted record into a signature
// carrying the record's own id. Image is left nil, since images are
// not persisted, and objectlibrary.Library has no method that inserts
// a prebuilt signature.
func RecordToSignature(rec ObjectRecord) *objectlibrary.ObjSignature {
	desc := keypoint.Descriptors{Rows: rec.Descriptors, Binary: rec.Binary}
	return &objectlibrary.ObjSignature{
		ID:          rec.ID,
		Filename:    rec.Filename,
		Rect:        rec.Rect,
		Keypoints:   fromPointRecords(rec.Points),
		Descriptors: desc,
		Words:       wordsFromBSON(rec.Words),
	}
}

// BeginBuild marks a vocabulary build as in progress, refusing to start
// a second one concurrently, mirroring the teacher's BuildIndex guard.
func (s *Store) BeginBuild(ctx context.Context) error {
	existing, err := s.GetHelperRecord(ctx)
	if err == nil && !existing.IsBuildDone && existing.BuildError == "" && !existing.LastBuildTime.IsZero() {
		return errBuildInProgress
	}
	_, err = s.helper().UpdateOne(ctx,
		bson.M{"_id": helperRecordID},
		bson.M{"$set": bson.M{"isBuildDone": false, "buildError": "", "lastBuildTime": time.Now()}},
		options.Update().SetUpsert(true),
	)
	return err
}

// FinishBuild records a completed build, storing the serialized
// vocabulary blob and build id, mirroring the teacher's UpdateBuildStatus.
func (s *Store) FinishBuild(ctx context.Context, buildErr error, vocabBlob []byte, buildID string, elapsed time.Duration) error {
	set := bson.M{
		"isBuildDone":      true,
		"buildElapsedTime": elapsed,
		"lastBuildTime":    time.Now(),
	}
	if buildErr != nil {
		set["buildError"] = buildErr.Error()
	} else {
		set["buildError"] = ""
		set["vocabulary"] = vocabBlob
		set["buildId"] = buildID
	}
	_, err := s.helper().UpdateOne(ctx, bson.M{"_id": helperRecordID}, bson.M{"$set": set}, options.Update().SetUpsert(true))
	return err
}

// SaveNextObjID persists the object library's id allocator state so it
// can be restored across a restart via GetHelperRecord.
func (s *Store) SaveNextObjID(ctx context.Context, nextID int) error {
	_, err := s.helper().UpdateOne(ctx,
		bson.M{"_id": helperRecordID},
		bson.M{"$set": bson.M{"nextObjId": nextID}},
		options.Update().SetUpsert(true),
	)
	return err
}

// GetHelperRecord returns the current build-status record.
func (s *Store) GetHelperRecord(ctx context.Context) (HelperRecord, error) {
	var rec HelperRecord
	err := s.helper().FindOne(ctx, bson.M{"_id": helperRecordID}).Decode(&rec)
	return rec, err
}

// LoadVocabulary returns the last persisted vocabulary blob, ready to
// be handed to vocabulary.Vocabulary's Load via bytes.NewReader.
func (s *Store) LoadVocabulary(ctx context.Context) ([]byte, error) {
	rec, err := s.GetHelperRecord(ctx)
	if err != nil {
		return nil, err
	}
	if len(rec.Vocabulary) == 0 || !rec.IsBuildDone {
		return nil, errors.New("persistence: no completed vocabulary build to load")
	}
	return rec.Vocabulary, nil
}

// VocabularyReader returns the last persisted vocabulary blob as an
// io.Reader, ready for vocabulary.Vocabulary.Load.
func (s *Store) VocabularyReader(ctx context.Context) (io.Reader, error) {
	blob, err := s.LoadVocabulary(ctx)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(blob), nil
}
