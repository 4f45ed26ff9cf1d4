package transcription

// rnnoise runs at 48kHz and the pipeline at 16kHz. The ratio is exactly 3,
// so plain interpolation and decimation are enough.
const resampleFactor = 3

// Upsample16to48 triples the rate with linear interpolation. The last input
// sample is held for its three outputs.
func Upsample16to48(input []int16) []int16 {
	if len(input) == 0 {
		return nil
	}

	output := make([]int16, 0, len(input)*resampleFactor)
	last := len(input) - 1
	for i, s := range input {
		curr := int32(s)
		next := curr
		if i < last {
			next = int32(input[i+1])
		}
		// int32 so full-scale swings cannot wrap
		diff := next - curr
		for k := int32(0); k < resampleFactor; k++ {
			output = append(output, int16(curr+k*diff/resampleFactor))
		}
	}
	return output
}

// Downsample48to16 averages each group of three samples. A trailing partial
// group is dropped.
func Downsample48to16(input []int16) []int16 {
	n := len(input) / resampleFactor
	if n == 0 {
		return nil
	}

	output := make([]int16, n)
	for i := range output {
		group := input[i*resampleFactor : (i+1)*resampleFactor]
		var sum int32
		for _, s := range group {
			sum += int32(s)
		}
		output[i] = int16(sum / resampleFactor)
	}
	return output
}
