package detections

const (
	InputSize     = 640
	ConfThreshold = 0.5
	IoUThreshold  = 0.45
	FillGray      = 128
	RetryAttempts = 3
	RetryDelayMs  = 100

	// CanonicalOutput is the detection output name of exported YOLO models.
	CanonicalOutput = "output0"
)
