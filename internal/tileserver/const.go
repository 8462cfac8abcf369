package tileserver

type Real = float64

// Channel indices for readability.
const (
	ChR = 0
	ChG = 1
	ChB = 2
	ChA = 3

	// Tile normalization has to be identical for every tile of a composited
	// image: each process only ever sees one tile. 2.3 works well with filmic
	// tone mapping.
	Normalization = 1.0 / 2.3

	JPEGQuality  = 100
	MaxTileDim   = 16384
	MaxFrameSize = 1 << 30 // 1 GiB per framed record
	FramesFD     = 100     // descriptor the orchestrator attaches to the frame stream

	DefaultFovy          = 60.0
	DefaultSpp           = 16
	DefaultMaxBounces    = 4
	RouletteMinBounce    = 2
	TextureMaxWidth      = 2048
	BVHFromNObjects      = 8 // minimum number of objects to build a BVH, otherwise iterate all objects
	BVHMaxLeafSize       = 2
	DefaultPresetName    = "default"
	DenoiseRadius        = 2
	DenoiseSigmaSpatial  = 1.5
	DenoiseSigmaColor    = 0.25
	DenoiseSigmaNormal   = 0.2
	DenoiseSigmaAlbedo   = 0.1
	HDRIDefaultIntensity = 1.0

	// hot-loop constants reused across bounces
	epsDist   = 1e-6
	bumpShift = 1e-4
)

// HDRI lights point at (3, 0, 6.43) unless the XML says otherwise.
var hdriDefaultDir = Vec3{3, 0, 6.43}
