// Package export - Serialization of quantization results: per-node quantizer
// records for deployment toolchains, with an optional fp16 weight payload.
package export

import (
	"encoding/binary"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/quantization"
)

// QuantizerRecord is the serializable form of selected quantization
// parameters for one tensor.
type QuantizerRecord struct {
	Method     quantization.Method `json:"method"`
	NBits      int                 `json:"n_bits"`
	Signed     bool                `json:"signed"`
	Scale      float32             `json:"scale"`
	ZeroPoint  float32             `json:"zero_point"`
	Threshold  float32             `json:"threshold"`
	RangeMin   float32             `json:"range_min,omitempty"`
	RangeMax   float32             `json:"range_max,omitempty"`
	PerChannel bool                `json:"per_channel,omitempty"`
	Scales     []float32           `json:"scales,omitempty"`
}

// WeightPayload carries one weight tensor encoded as fp16, plus the raw
// integer quantization levels when the tensor has quantizer parameters.
type WeightPayload struct {
	Shape  []int   `json:"shape"`
	FP16   []byte  `json:"fp16"`
	Levels []int32 `json:"levels,omitempty"`
}

// NodeRecord is the exported quantization state of one graph node.
type NodeRecord struct {
	Name        string                      `json:"name"`
	Op          graph.OpType                `json:"op"`
	Weights     map[string]*QuantizerRecord `json:"weights,omitempty"`
	Activations []*QuantizerRecord          `json:"activations,omitempty"`
	Payload     map[string]*WeightPayload   `json:"payload,omitempty"`
}

// Model is the top-level export document.
type Model struct {
	Nodes []NodeRecord `json:"nodes"`
}

// NodeQuantizers extracts the quantizer records of one node. Nodes with no
// enabled quantization produce an empty record.
func NodeQuantizers(n *graph.Node) NodeRecord {
	rec := NodeRecord{Name: n.Name, Op: n.Op}
	if n.IsWeightsQuantizationEnabled() && len(n.WeightParams) > 0 {
		rec.Weights = make(map[string]*QuantizerRecord, len(n.WeightParams))
		for attr, p := range n.WeightParams {
			rec.Weights[attr] = toRecord(p)
		}
	}
	if n.IsActivationQuantizationEnabled() {
		for _, p := range n.ActivationParams {
			rec.Activations = append(rec.Activations, toRecord(p))
		}
	}
	return rec
}

// Export builds the export document for a quantized graph, in topological
// order. withWeights adds the fp16 payload of every weight tensor.
func Export(g *graph.Graph, withWeights bool) (*Model, error) {
	order, err := g.TopoSort()
	if err != nil {
		return nil, errors.Wrap(err, "ordering graph for export")
	}
	m := &Model{}
	for _, n := range order {
		rec := NodeQuantizers(n)
		if withWeights && len(n.Weights) > 0 {
			rec.Payload = make(map[string]*WeightPayload, len(n.Weights))
			for attr, w := range n.Weights {
				payload := &WeightPayload{
					Shape: append([]int(nil), w.Shape()...),
					FP16:  EncodeWeightsFP16(w),
				}
				if p := n.WeightParams[attr]; n.IsWeightsQuantizationEnabled() && p != nil {
					payload.Levels = weightLevels(w, p)
				}
				rec.Payload[attr] = payload
			}
		}
		m.Nodes = append(m.Nodes, rec)
	}
	return m, nil
}

// JSON serializes the document.
func (m *Model) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON parses an export document.
func FromJSON(data []byte) (*Model, error) {
	m := &Model{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "parsing export document")
	}
	return m, nil
}

// Import reattaches the document's quantizer records to the graph's nodes,
// matched by name. Every record must find its node.
func Import(g *graph.Graph, m *Model) error {
	for _, rec := range m.Nodes {
		matches := g.FindNodeByName(rec.Name)
		if len(matches) == 0 {
			return errors.Errorf("export record %q matches no graph node", rec.Name)
		}
		for _, n := range matches {
			if len(rec.Weights) > 0 {
				n.QuantizeWeights = true
				n.WeightParams = make(map[string]*quantization.Params, len(rec.Weights))
				for attr, r := range rec.Weights {
					n.WeightParams[attr] = fromRecord(r)
				}
			}
			if len(rec.Activations) > 0 {
				n.QuantizeActivations = true
				n.ActivationParams = n.ActivationParams[:0]
				for _, r := range rec.Activations {
					n.ActivationParams = append(n.ActivationParams, fromRecord(r))
				}
			}
			for attr, p := range rec.Payload {
				w, err := DecodeWeightsFP16(p)
				if err != nil {
					return errors.Wrapf(err, "node %q attribute %q", rec.Name, attr)
				}
				n.SetWeight(attr, w)
			}
		}
	}
	return nil
}

// weightLevels maps a weight tensor onto its integer quantization grid,
// honoring per-channel scales over the leading dimension.
func weightLevels(w *tensor.Dense, p *quantization.Params) []int32 {
	data := w.Data().([]float32)
	levels := make([]int32, len(data))
	filters := w.Shape()[0]
	if p.PerChannel && len(p.Scales) == filters {
		per := len(data) / filters
		for c := 0; c < filters; c++ {
			cp := *p
			cp.Scale = p.Scales[c]
			quantization.QuantizeLevels(levels[c*per:(c+1)*per], data[c*per:(c+1)*per], &cp)
		}
		return levels
	}
	quantization.QuantizeLevels(levels, data, p)
	return levels
}

// EncodeWeightsFP16 packs a float32 tensor into little-endian fp16 bytes.
// Quantized weights fit fp16 comfortably; the payload halves the document.
func EncodeWeightsFP16(t *tensor.Dense) []byte {
	data := t.Data().([]float32)
	out := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// DecodeWeightsFP16 unpacks a WeightPayload back into a float32 tensor.
func DecodeWeightsFP16(p *WeightPayload) (*tensor.Dense, error) {
	if len(p.FP16)%2 != 0 {
		return nil, errors.Errorf("fp16 payload has odd length %d", len(p.FP16))
	}
	shape := tensor.Shape(p.Shape)
	n := len(p.FP16) / 2
	if shape.TotalSize() != n {
		return nil, errors.Errorf("payload carries %d values for shape %v", n, p.Shape)
	}
	backing := make([]float32, n)
	for i := range backing {
		backing[i] = float16.Frombits(binary.LittleEndian.Uint16(p.FP16[2*i:])).Float32()
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)), nil
}

func toRecord(p *quantization.Params) *QuantizerRecord {
	if p == nil {
		return nil
	}
	return &QuantizerRecord{
		Method:     p.Method,
		NBits:      p.NBits,
		Signed:     p.Signed,
		Scale:      p.Scale,
		ZeroPoint:  p.ZeroPoint,
		Threshold:  p.Threshold,
		RangeMin:   p.RangeMin,
		RangeMax:   p.RangeMax,
		PerChannel: p.PerChannel,
		Scales:     append([]float32(nil), p.Scales...),
	}
}

func fromRecord(r *QuantizerRecord) *quantization.Params {
	if r == nil {
		return nil
	}
	return &quantization.Params{
		Method:     r.Method,
		NBits:      r.NBits,
		Signed:     r.Signed,
		Scale:      r.Scale,
		ZeroPoint:  r.ZeroPoint,
		Threshold:  r.Threshold,
		RangeMin:   r.RangeMin,
		RangeMax:   r.RangeMax,
		PerChannel: r.PerChannel,
		Scales:     append([]float32(nil), r.Scales...),
	}
}
