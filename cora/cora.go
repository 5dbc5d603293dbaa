// Package cora downloads and parses the Cora citation dataset from LINQS
// (https://linqs.org/datasets/): 2708 machine-learning papers connected by
// 5429 citation links, each paper described by a 1433-word binary bag-of-words
// vector and labeled with one of 7 topics.
//
// Load returns the dataset as a graphs.Store with edges oriented so that a
// cited paper aggregates information from the papers citing it, matching the
// (target, source) order of the cora.cites file.
package cora

import (
	"bufio"
	"io"
	"math/rand"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/citenet/citegat/graphs"
	mldata "github.com/gomlx/gomlx/ml/data"
)

const (
	// DownloadURL is where the dataset tarball is fetched from.
	DownloadURL = "https://linqs-data.soe.ucsc.edu/public/lbc/cora.tgz"

	// NumFeatures is the vocabulary size of the bag-of-words features.
	NumFeatures = 1433

	// NumClasses is the number of paper topics.
	NumClasses = 7

	localTarFile  = "cora.tgz"
	localUntarDir = "cora"
	contentFile   = "cora.content"
	citesFile     = "cora.cites"
)

// ClassNames are the topic labels, in the order of their class indices.
var ClassNames = [NumClasses]string{
	"Case_Based",
	"Genetic_Algorithms",
	"Neural_Networks",
	"Probabilistic_Methods",
	"Reinforcement_Learning",
	"Rule_Learning",
	"Theory",
}

// Download fetches and unpacks the dataset under baseDir, if not yet there.
// "~" in baseDir is expanded.
func Download(baseDir string) error {
	if err := mldata.DownloadAndUntarIfMissing(DownloadURL, baseDir, localTarFile, localUntarDir, ""); err != nil {
		return errors.WithMessage(err, "downloading Cora dataset")
	}
	return nil
}

// Load parses the cora.content and cora.cites files under baseDir (see
// Download) into a graphs.Store. Node ids are assigned in cora.content line
// order; paper ids from the files never leak past this function.
func Load(baseDir string) (*graphs.Store, error) {
	dir := path.Join(mldata.ReplaceTildeInDir(baseDir), localUntarDir)

	contentF, err := os.Open(path.Join(dir, contentFile))
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", contentFile)
	}
	defer func() { _ = contentF.Close() }()
	rows, features, labels, err := parseContent(contentF)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %s", contentFile)
	}

	citesF, err := os.Open(path.Join(dir, citesFile))
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", citesFile)
	}
	defer func() { _ = citesF.Close() }()
	edgeTargets, edgeSources, err := parseCites(citesF, rows)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %s", citesFile)
	}

	numNodes := len(rows)
	store, err := graphs.New(numNodes, NumFeatures, features, edgeTargets, edgeSources, labels)
	if err != nil {
		return nil, err
	}
	klog.Infof("cora: loaded %d papers with %d citations, %s of features",
		numNodes, store.NumEdges(), humanize.Bytes(uint64(numNodes*NumFeatures*4)))
	return store, nil
}

// parseContent reads cora.content: one line per paper with a paper id,
// NumFeatures 0/1 word indicators and a topic name, all tab-separated. It
// returns the paper-id to row mapping, the flat features and the labels.
func parseContent(r io.Reader) (rows map[string]int32, features []float32, labels []int32, err error) {
	rows = make(map[string]int32)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 16*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != NumFeatures+2 {
			return nil, nil, nil, errors.Errorf("line %d: got %d fields, want paper id + %d word indicators + topic",
				lineNum, len(fields), NumFeatures)
		}
		paperID := fields[0]
		if _, found := rows[paperID]; found {
			return nil, nil, nil, errors.Errorf("line %d: duplicate paper id %q", lineNum, paperID)
		}
		rows[paperID] = int32(len(rows))
		for col, field := range fields[1 : NumFeatures+1] {
			value, convErr := strconv.ParseFloat(field, 32)
			if convErr != nil {
				return nil, nil, nil, errors.Wrapf(convErr, "line %d: word indicator %d", lineNum, col)
			}
			features = append(features, float32(value))
		}
		label, classErr := classIndex(fields[NumFeatures+1])
		if classErr != nil {
			return nil, nil, nil, errors.WithMessagef(classErr, "line %d", lineNum)
		}
		labels = append(labels, label)
	}
	if err = scanner.Err(); err != nil {
		return nil, nil, nil, errors.Wrap(err, "reading content file")
	}
	if len(rows) == 0 {
		return nil, nil, nil, errors.New("content file is empty")
	}
	return
}

// parseCites reads cora.cites: one "<cited> <citing>" paper-id pair per line.
// The cited paper is the edge target, the citing paper the source. Unknown
// paper ids are a structural error.
func parseCites(r io.Reader, rows map[string]int32) (edgeTargets, edgeSources []int32, err error) {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, nil, errors.Errorf("line %d: got %d fields, want cited and citing paper ids", lineNum, len(fields))
		}
		target, found := rows[fields[0]]
		if !found {
			return nil, nil, errors.Errorf("line %d: cited paper %q not in content file", lineNum, fields[0])
		}
		source, found := rows[fields[1]]
		if !found {
			return nil, nil, errors.Errorf("line %d: citing paper %q not in content file", lineNum, fields[1])
		}
		edgeTargets = append(edgeTargets, target)
		edgeSources = append(edgeSources, source)
	}
	if err = scanner.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "reading cites file")
	}
	return
}

func classIndex(name string) (int32, error) {
	for idx, className := range ClassNames {
		if name == className {
			return int32(idx), nil
		}
	}
	return 0, errors.Errorf("unknown topic %q", name)
}

// RandomSplits draws disjoint train/validation/test node sets covering all
// numNodes nodes: trainFraction and validationFraction of the nodes go to the
// first two splits, the remainder to test. The same seed always produces the
// same splits.
func RandomSplits(numNodes int, trainFraction, validationFraction float64, seed int64) (*graphs.Splits, error) {
	if trainFraction <= 0 || validationFraction <= 0 || trainFraction+validationFraction >= 1 {
		return nil, errors.Errorf(
			"train and validation fractions must be positive and sum to less than 1, got %g and %g",
			trainFraction, validationFraction)
	}
	numTrain := int(float64(numNodes) * trainFraction)
	numValidation := int(float64(numNodes) * validationFraction)
	if numTrain == 0 || numValidation == 0 || numTrain+numValidation >= numNodes {
		return nil, errors.Errorf("splits of %d nodes with fractions %g/%g leave no room for a test set",
			numNodes, trainFraction, validationFraction)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(numNodes)
	toInt32 := func(ids []int) []int32 {
		out := make([]int32, len(ids))
		for i, id := range ids {
			out[i] = int32(id)
		}
		return out
	}
	return &graphs.Splits{
		Train:      toInt32(perm[:numTrain]),
		Validation: toInt32(perm[numTrain : numTrain+numValidation]),
		Test:       toInt32(perm[numTrain+numValidation:]),
	}, nil
}
