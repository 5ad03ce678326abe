package checkpoints

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// binaryMagic prefixes every binary checkpoint.
var binaryMagic = []byte("WGCK\x01")

var errTruncated = errors.New("truncated checkpoint message")

// Field numbers of the binary checkpoint messages.
const (
	checkpointWeights         protowire.Number = 1
	checkpointTrainingState   protowire.Number = 2
	checkpointOptimizerStates protowire.Number = 3
	checkpointMetadata        protowire.Number = 4

	tensorName      protowire.Number = 1
	tensorShape     protowire.Number = 2
	tensorData      protowire.Number = 3
	tensorPartition protowire.Number = 4 // weight tensors
	tensorStateType protowire.Number = 4 // optimizer tensors

	stateEpoch          protowire.Number = 1
	stateIndex          protowire.Number = 2
	stateStep           protowire.Number = 3
	stateCriticLR       protowire.Number = 4
	stateGeneratorLR    protowire.Number = 5
	stateNonFiniteSteps protowire.Number = 6
	stateSeed           protowire.Number = 7

	optimizerPartition  protowire.Number = 1
	optimizerType       protowire.Number = 2
	optimizerParameters protowire.Number = 3
	optimizerStateData  protowire.Number = 4

	paramKey    protowire.Number = 1
	paramNumber protowire.Number = 2
	paramBool   protowire.Number = 3
	paramString protowire.Number = 4

	metadataVersion     protowire.Number = 1
	metadataFramework   protowire.Number = 2
	metadataCreatedAt   protowire.Number = 3
	metadataDescription protowire.Number = 4
	metadataTags        protowire.Number = 5
)

func marshalBinary(c *Checkpoint) ([]byte, error) {
	b := append([]byte(nil), binaryMagic...)

	for _, w := range c.Weights {
		b = protowire.AppendTag(b, checkpointWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, tensorPartition, w.Partition))
	}

	b = protowire.AppendTag(b, checkpointTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTrainingState(nil, c.TrainingState))

	for _, o := range c.OptimizerStates {
		msg, err := appendOptimizerState(nil, o)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, checkpointOptimizerStates, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}

	meta, err := appendMetadata(nil, c.Metadata)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, checkpointMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, meta)

	return b, nil
}

func unmarshalBinary(data []byte) (*Checkpoint, error) {
	if !bytes.HasPrefix(data, binaryMagic) {
		return nil, fmt.Errorf("not a binary checkpoint")
	}

	c := &Checkpoint{}
	err := walk(data[len(binaryMagic):], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		var err error
		switch num {
		case checkpointWeights:
			var w WeightTensor
			w.Name, w.Shape, w.Data, w.Partition, err = consumeTensor(msg, tensorPartition)
			c.Weights = append(c.Weights, w)
		case checkpointTrainingState:
			c.TrainingState, err = consumeTrainingState(msg)
		case checkpointOptimizerStates:
			var o OptimizerState
			o, err = consumeOptimizerState(msg)
			c.OptimizerStates = append(c.OptimizerStates, o)
		case checkpointMetadata:
			c.Metadata, err = consumeMetadata(msg)
		}
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return c, nil
}

// walk calls fn for every field of a message. fn consumes the field value
// and returns its length, or a negative protowire error code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		if m > len(b) {
			return errTruncated
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

func appendTensor(b []byte, name string, shape []int, data []float64, labelField protowire.Number, label string) []byte {
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	packed = make([]byte, 0, 8*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, tensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	if label != "" {
		b = protowire.AppendTag(b, labelField, protowire.BytesType)
		b = protowire.AppendString(b, label)
	}
	return b
}

func consumeTensor(msg []byte, labelField protowire.Number) (name string, shape []int, data []float64, label string, err error) {
	err = walk(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		switch num {
		case tensorName:
			name = string(v)
		case labelField:
			label = string(v)
		case tensorShape:
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return m, nil
				}
				shape = append(shape, int(d))
				v = v[m:]
			}
		case tensorData:
			if len(v)%8 != 0 {
				return 0, fmt.Errorf("tensor %q data is not a multiple of 8 bytes", name)
			}
			data = make([]float64, 0, len(v)/8)
			for len(v) > 0 {
				bits, m := protowire.ConsumeFixed64(v)
				if m < 0 {
					return m, nil
				}
				data = append(data, math.Float64frombits(bits))
				v = v[m:]
			}
		}
		return n, nil
	})
	return name, shape, data, label, err
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = protowire.AppendTag(b, stateEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Epoch))
	b = protowire.AppendTag(b, stateIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Index))
	b = protowire.AppendTag(b, stateStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Step))
	b = protowire.AppendTag(b, stateCriticLR, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.CriticLearningRate))
	b = protowire.AppendTag(b, stateGeneratorLR, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(s.GeneratorLearningRate))
	b = protowire.AppendTag(b, stateNonFiniteSteps, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.NonFiniteSteps))
	b = protowire.AppendTag(b, stateSeed, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(s.Seed))
	return b
}

func consumeTrainingState(msg []byte) (TrainingState, error) {
	var s TrainingState
	err := walk(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			switch num {
			case stateEpoch:
				s.Epoch = int(v)
			case stateIndex:
				s.Index = int(v)
			case stateStep:
				s.Step = int(v)
			case stateNonFiniteSteps:
				s.NonFiniteSteps = int(v)
			case stateSeed:
				s.Seed = protowire.DecodeZigZag(v)
			}
			return n, nil
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return n, nil
			}
			switch num {
			case stateCriticLR:
				s.CriticLearningRate = math.Float64frombits(v)
			case stateGeneratorLR:
				s.GeneratorLearningRate = math.Float64frombits(v)
			}
			return n, nil
		default:
			return skip(num, typ, b)
		}
	})
	return s, err
}

func appendOptimizerState(b []byte, o OptimizerState) ([]byte, error) {
	if o.Partition != "" {
		b = protowire.AppendTag(b, optimizerPartition, protowire.BytesType)
		b = protowire.AppendString(b, o.Partition)
	}
	b = protowire.AppendTag(b, optimizerType, protowire.BytesType)
	b = protowire.AppendString(b, o.Type)

	// Sorted keys keep the encoding deterministic.
	keys := make([]string, 0, len(o.Parameters))
	for k := range o.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		param, err := appendParam(nil, k, o.Parameters[k])
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, optimizerParameters, protowire.BytesType)
		b = protowire.AppendBytes(b, param)
	}

	for _, t := range o.StateData {
		b = protowire.AppendTag(b, optimizerStateData, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, tensorStateType, t.StateType))
	}
	return b, nil
}

// appendParam encodes one hyperparameter. Numbers are stored as doubles so
// they decode to float64 exactly like the JSON format.
func appendParam(b []byte, key string, value interface{}) ([]byte, error) {
	b = protowire.AppendTag(b, paramKey, protowire.BytesType)
	b = protowire.AppendString(b, key)

	var number float64
	switch v := value.(type) {
	case bool:
		b = protowire.AppendTag(b, paramBool, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(v)), nil
	case string:
		b = protowire.AppendTag(b, paramString, protowire.BytesType)
		return protowire.AppendString(b, v), nil
	case float64:
		number = v
	case float32:
		number = float64(v)
	case int:
		number = float64(v)
	case int64:
		number = float64(v)
	case uint64:
		number = float64(v)
	default:
		return nil, fmt.Errorf("optimizer parameter %q has unsupported type %T", key, value)
	}
	b = protowire.AppendTag(b, paramNumber, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(number)), nil
}

func consumeOptimizerState(msg []byte) (OptimizerState, error) {
	o := OptimizerState{Parameters: make(map[string]interface{})}
	err := walk(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		switch num {
		case optimizerPartition:
			o.Partition = string(v)
		case optimizerType:
			o.Type = string(v)
		case optimizerParameters:
			key, value, err := consumeParam(v)
			if err != nil {
				return 0, err
			}
			o.Parameters[key] = value
		case optimizerStateData:
			var t OptimizerTensor
			var err error
			t.Name, t.Shape, t.Data, t.StateType, err = consumeTensor(v, tensorStateType)
			if err != nil {
				return 0, err
			}
			o.StateData = append(o.StateData, t)
		}
		return n, nil
	})
	return o, err
}

func consumeParam(msg []byte) (string, interface{}, error) {
	var key string
	var value interface{}
	err := walk(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == paramKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			key = v
			return n, nil
		case num == paramString && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			value = v
			return n, nil
		case num == paramNumber && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			value = math.Float64frombits(v)
			return n, nil
		case num == paramBool && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			value = protowire.DecodeBool(v)
			return n, nil
		default:
			return skip(num, typ, b)
		}
	})
	return key, value, err
}

func appendMetadata(b []byte, m Metadata) ([]byte, error) {
	b = protowire.AppendTag(b, metadataVersion, protowire.BytesType)
	b = protowire.AppendString(b, m.Version)
	b = protowire.AppendTag(b, metadataFramework, protowire.BytesType)
	b = protowire.AppendString(b, m.Framework)

	ts, err := proto.Marshal(timestamppb.New(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal creation time: %w", err)
	}
	b = protowire.AppendTag(b, metadataCreatedAt, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)

	if m.Description != "" {
		b = protowire.AppendTag(b, metadataDescription, protowire.BytesType)
		b = protowire.AppendString(b, m.Description)
	}
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, metadataTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b, nil
}

func consumeMetadata(msg []byte) (Metadata, error) {
	var m Metadata
	err := walk(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}

		switch num {
		case metadataVersion:
			m.Version = string(v)
		case metadataFramework:
			m.Framework = string(v)
		case metadataDescription:
			m.Description = string(v)
		case metadataTags:
			m.Tags = append(m.Tags, string(v))
		case metadataCreatedAt:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return 0, fmt.Errorf("failed to unmarshal creation time: %w", err)
			}
			m.CreatedAt = ts.AsTime()
		}
		return n, nil
	})
	return m, err
}
