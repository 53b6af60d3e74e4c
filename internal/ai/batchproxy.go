package ai

// BatchInferProxy is a trivial implementation of a BatchInferencer, with no efficiency gains.
type BatchInferProxy struct {
	Model
}

// AsBatchInferencer returns the model itself if it is a BatchInferencer, or a BatchInferProxy otherwise.
func AsBatchInferencer(model Model) BatchInferencer {
	if batch, ok := model.(BatchInferencer); ok {
		return batch
	}
	return BatchInferProxy{model}
}

// InferBatch calls Infer for each observation of the batch.
func (p BatchInferProxy) InferBatch(observations [][]float32) (policies [][]float32, values []float32, err error) {
	policies = make([][]float32, len(observations))
	values = make([]float32, len(observations))
	for ii, obs := range observations {
		policies[ii], values[ii], err = p.Infer(obs)
		if err != nil {
			return nil, nil, err
		}
	}
	return
}

// Assert BatchInferProxy implements BatchInferencer
var _ BatchInferencer = BatchInferProxy{}
