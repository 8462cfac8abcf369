package tileserver

var (
	// Compile time checks to ensure the engine and helpers implement the boundaries they serve.
	_ RenderEngine = (*SoftwareEngine)(nil)
	_ FrameBuffer  = (*SoftwareFrameBuffer)(nil)
	_ Denoiser     = (*BilateralDenoiser)(nil)
	_ Compressor   = JPEGCompressor{}
	_ Compressor   = PNGCompressor{}
	_ shape        = (*Sphere)(nil)
	_ shape        = (*Box)(nil)
)
