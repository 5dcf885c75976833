// Package _default includes the default engines, namely the pure Go one.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/gomx/engines/default"
package _default

import (
	_ "github.com/gomlx/gomx/engines/goengine"
)
