package media

import "errors"

var (
	// ErrAssetNotFound indicates the sticker media cannot be located.
	ErrAssetNotFound = errors.New("media asset not found")
	// ErrProviderUnavailable indicates no storage provider or downloader can serve the request.
	ErrProviderUnavailable = errors.New("storage provider unavailable")
	// ErrAssetTooLarge indicates the payload exceeds the configured max sticker size.
	ErrAssetTooLarge = errors.New("media asset too large")
	// ErrPathTraversal indicates a storage key attempted directory traversal.
	ErrPathTraversal = errors.New("path traversal is forbidden")
	// ErrUnsupportedRef indicates a media reference with an unknown scheme.
	ErrUnsupportedRef = errors.New("unsupported media reference")
)
