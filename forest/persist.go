package forest

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// LineReader wraps bufio.Scanner to hand back one text record per call,
// tracking the 1-based line number for error messages. Built on
// bufio.Scanner rather than a raw bufio.Reader+ReadString('\n') loop so
// a missing trailing newline on the file's last line never changes how
// many records are returned — see DESIGN.md's depth-truncation decision.
type LineReader struct {
	scanner *bufio.Scanner
	line    int
}

// NewLineReader constructs a LineReader over r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{scanner: bufio.NewScanner(r)}
}

// Next returns the next line's content, or ok=false at EOF. Check Err
// after Next returns false to distinguish clean EOF from a read error.
func (lr *LineReader) Next() (string, bool) {
	if !lr.scanner.Scan() {
		return "", false
	}
	lr.line++
	return lr.scanner.Text(), true
}

// Line reports the 1-based number of the line last returned by Next.
func (lr *LineReader) Line() int { return lr.line }

// Err reports the first non-EOF error encountered by the underlying
// scanner, if any.
func (lr *LineReader) Err() error { return lr.scanner.Err() }

// Save writes the forest's full model file: the feature definition
// header, the model-specific header, the forest-level dimensions, and
// every tree in preorder with orphan nodes elided (a subtree beneath an
// already-written leaf is simply never visited, so it never produces a
// line).
func (f *Forest[L]) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)

	writeLine := func(s string) error {
		_, err := fmt.Fprintln(bw, s)
		return err
	}

	if err := writeLine(f.featureHeader); err != nil {
		return &IOError{Op: "write feature header", Err: err}
	}
	if err := writeLine(f.featureDef); err != nil {
		return &IOError{Op: "write feature definition", Err: err}
	}

	var headerBuf strings.Builder
	if err := f.model.WriteHeader(&headerBuf); err != nil {
		return &IOError{Op: "write model header", Err: err}
	}
	if err := writeLine(headerBuf.String()); err != nil {
		return &IOError{Op: "write model header", Err: err}
	}

	fitFlag := 0
	if f.fitSplitNodes {
		fitFlag = 1
	}
	dims := fmt.Sprintf("%d %d %d %d", len(f.trees), f.depth, f.numParams, fitFlag)
	if err := writeLine(dims); err != nil {
		return &IOError{Op: "write forest dimensions", Err: err}
	}

	for _, t := range f.trees {
		if err := writeTreeNode(bw, t, 0); err != nil {
			return &IOError{Op: "write tree", Err: err}
		}
	}

	if err := bw.Flush(); err != nil {
		return &IOError{Op: "flush model file", Err: err}
	}
	return nil
}

// SaveFile is a convenience wrapper around Save that writes to path.
func (f *Forest[L]) SaveFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return &IOError{Op: "create model file", Err: err}
	}
	defer file.Close()
	return f.Save(file)
}

// writeTreeNode writes nodeIdx's record and, if it is a split, recurses
// into both children. A leaf never recurses, which is exactly how
// orphan slots below it are elided from the file.
func writeTreeNode[L any](w io.Writer, t *tree[L], nodeIdx int) error {
	n := &t.nodes[nodeIdx]
	if n.isLeaf {
		var buf strings.Builder
		if err := n.posterior.WriteTo(&buf); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "L %s\n", buf.String())
		return err
	}

	params := make([]string, len(n.params))
	for i, p := range n.params {
		params[i] = strconv.Itoa(p)
	}
	line := fmt.Sprintf("S %s %s", strings.Join(params, " "), strconv.FormatFloat(n.threshold, 'g', -1, 64))
	if n.posterior != nil {
		var buf strings.Builder
		if err := n.posterior.WriteTo(&buf); err != nil {
			return err
		}
		line += " " + buf.String()
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		return err
	}

	left, right := children(nodeIdx)
	if err := writeTreeNode(w, t, left); err != nil {
		return err
	}
	return writeTreeNode(w, t, right)
}

// Load restores a forest from a model file written by Save. maxDepth
// caps the depth of tree actually materialized: a split node recorded
// at depth maxDepth is reinterpreted as a leaf using its own stored
// posterior, and the records beneath it are read (so the file position
// stays in sync) but not stored, per DESIGN.md's depth-truncation
// decision. That reinterpretation only
// works if the file actually carries a posterior at every split node,
// i.e. it was saved with fit_split_nodes on; if it wasn't and maxDepth
// would truncate below the file's depth, Load fails with a
// *DepthTruncationError rather than materializing leaves with no
// fitted posterior. maxTrees caps the number of trees kept; trees
// beyond it are still parsed (the text format has no way to skip a
// tree's records without reading them) but discarded rather than
// materialized. Pass a negative maxDepth or maxTrees to apply no cap.
func Load[L any](r io.Reader, model Model[L], numParams, maxDepth, maxTrees int) (*Forest[L], error) {
	lr := NewLineReader(r)

	featureHeader, ok := lr.Next()
	if !ok {
		return nil, &IOError{Op: "read feature header", Line: lr.Line(), Err: io.ErrUnexpectedEOF}
	}
	featureDef, ok := lr.Next()
	if !ok {
		return nil, &IOError{Op: "read feature definition", Line: lr.Line(), Err: io.ErrUnexpectedEOF}
	}

	headerLine, ok := lr.Next()
	if !ok {
		return nil, &IOError{Op: "read model header", Line: lr.Line(), Err: io.ErrUnexpectedEOF}
	}
	if err := model.ReadHeader(strings.Fields(headerLine)); err != nil {
		return nil, &IOError{Op: "parse model header", Line: lr.Line(), Err: err}
	}

	dimsLine, ok := lr.Next()
	if !ok {
		return nil, &IOError{Op: "read forest dimensions", Line: lr.Line(), Err: io.ErrUnexpectedEOF}
	}
	numTrees, fileDepth, fileNumParams, fitFlag, err := parseDims(dimsLine)
	if err != nil {
		return nil, &IOError{Op: "parse forest dimensions", Line: lr.Line(), Err: err}
	}
	if numParams <= 0 {
		numParams = fileNumParams
	}

	if !fitFlag && maxDepth >= 0 && maxDepth < fileDepth {
		return nil, &DepthTruncationError{FileDepth: fileDepth, MaxDepth: maxDepth}
	}

	effDepth := fileDepth
	if maxDepth >= 0 && maxDepth < effDepth {
		effDepth = maxDepth
	}
	effTrees := numTrees
	if maxTrees >= 0 && maxTrees < effTrees {
		effTrees = maxTrees
	}

	f := &Forest[L]{
		id:            uuid.New(),
		model:         model,
		log:           slog.Default(),
		depth:         effDepth,
		numParams:     numParams,
		fitSplitNodes: fitFlag,
		featureHeader: featureHeader,
		featureDef:    featureDef,
	}

	trees := make([]*tree[L], 0, effTrees)
	for i := 0; i < numTrees; i++ {
		t := newTree[L](effDepth)
		if err := readTreeNode(lr, model, t, 0, 0, maxDepth); err != nil {
			return nil, err
		}
		if i < effTrees {
			trees = append(trees, t)
		}
	}
	f.trees = trees

	metrics.liveForestSize.WithLabelValues(f.id.String()).Set(float64(len(f.trees)))
	return f, nil
}

// LoadFile is a convenience wrapper around Load that reads from path.
func LoadFile[L any](path string, model Model[L], numParams, maxDepth, maxTrees int) (*Forest[L], error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open model file", Err: err}
	}
	defer file.Close()
	return Load(file, model, numParams, maxDepth, maxTrees)
}

func parseDims(line string) (numTrees, depth, numParams int, fitSplitNodes bool, err error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return 0, 0, 0, false, fmt.Errorf("expected 4 dimension fields, got %d", len(fields))
	}
	ints := make([]int, 4)
	for i, s := range fields {
		v, convErr := strconv.Atoi(s)
		if convErr != nil {
			return 0, 0, 0, false, fmt.Errorf("field %d: %w", i, convErr)
		}
		ints[i] = v
	}
	return ints[0], ints[1], ints[2], ints[3] != 0, nil
}

// readTreeNode reads nodeIdx's record (and, if it's a split record in
// the file, its two children) regardless of whether nodeIdx's depth
// exceeds maxDepth: every record in the file is consumed so the reader
// stays in sync, but a split record at depth maxDepth is stored as a
// leaf using its own posterior, and the records below it are not stored.
func readTreeNode[L any](lr *LineReader, model Model[L], t *tree[L], nodeIdx, depth, maxDepth int) error {
	line, ok := lr.Next()
	if !ok {
		return &IOError{Op: "read tree node", Line: lr.Line(), Err: io.ErrUnexpectedEOF}
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return &IOError{Op: "parse tree node", Line: lr.Line(), Err: fmt.Errorf("empty record")}
	}

	truncate := maxDepth >= 0 && depth >= maxDepth

	switch fields[0] {
	case "L":
		dist := model.NewDistribution()
		if err := dist.ReadFrom(fields[1:]); err != nil {
			return &IOError{Op: "parse leaf posterior", Line: lr.Line(), Err: err}
		}
		if nodeIdx < len(t.nodes) {
			t.nodes[nodeIdx] = node[L]{isLeaf: true, posterior: dist}
		}
		return nil
	case "S":
		numParams := model.NumParams()
		if len(fields) < 1+numParams+1 {
			return &IOError{Op: "parse split node", Line: lr.Line(), Err: fmt.Errorf("too few fields")}
		}
		params := make([]int, numParams)
		for i := 0; i < numParams; i++ {
			v, err := strconv.Atoi(fields[1+i])
			if err != nil {
				return &IOError{Op: "parse split params", Line: lr.Line(), Err: err}
			}
			params[i] = v
		}
		threshold, err := strconv.ParseFloat(fields[1+numParams], 64)
		if err != nil {
			return &IOError{Op: "parse split threshold", Line: lr.Line(), Err: err}
		}
		var posterior Distribution[L]
		if rest := fields[2+numParams:]; len(rest) > 0 {
			posterior = model.NewDistribution()
			if err := posterior.ReadFrom(rest); err != nil {
				return &IOError{Op: "parse split posterior", Line: lr.Line(), Err: err}
			}
		}

		if truncate {
			// The file descends further here, but the caller asked for
			// a shallower tree: consume both children's subtrees to
			// stay in sync, then reinterpret this record as a leaf
			// using the posterior the file actually stored at this
			// node. Load has already rejected this call up front if
			// the file was saved without fit_split_nodes, so posterior
			// is guaranteed non-nil here.
			if posterior == nil {
				posterior = model.NewDistribution()
			}
			if nodeIdx < len(t.nodes) {
				t.nodes[nodeIdx] = node[L]{isLeaf: true, posterior: posterior}
			}
			left, right := children(nodeIdx)
			if err := readTreeNode(lr, model, t, left, depth+1, maxDepth); err != nil {
				return err
			}
			return readTreeNode(lr, model, t, right, depth+1, maxDepth)
		}

		if nodeIdx < len(t.nodes) {
			t.nodes[nodeIdx] = node[L]{isLeaf: false, params: params, threshold: threshold, posterior: posterior}
		}
		left, right := children(nodeIdx)
		if err := readTreeNode(lr, model, t, left, depth+1, maxDepth); err != nil {
			return err
		}
		return readTreeNode(lr, model, t, right, depth+1, maxDepth)
	default:
		return &IOError{Op: "parse tree node", Line: lr.Line(), Err: fmt.Errorf("unknown record kind %q", fields[0])}
	}
}
