package pkgcache

import (
	"github.com/meigma/pkgcache/codec"
	"github.com/meigma/pkgcache/codec/bundle"
	"github.com/meigma/pkgcache/codec/tarcodec"
	"github.com/meigma/pkgcache/codec/zipcodec"
)

// BundleExt is the file extension of asset bundles.
const BundleExt = ".unitypackage"

// DefaultDispatcher returns a dispatcher with the built-in codecs.
func DefaultDispatcher() *codec.Dispatcher {
	d := codec.NewDispatcher()
	d.Register(codec.KindZip, zipcodec.New(), ".zip")
	d.Register(codec.KindTar, tarcodec.New(), ".tar", ".tar.gz", ".tgz", ".tar.zst", ".tzst")
	d.Register(codec.KindBundle, bundle.New(), BundleExt)
	return d
}
