// Package transports registers every built-in protocol adapter with the
// default transport registry. Import it for its side effects when the
// importing program should support all protocols:
//
//	import _ "github.com/drblury/labflow/transport/transports"
package transports

import (
	_ "github.com/drblury/labflow/transport/astm"
	_ "github.com/drblury/labflow/transport/fhirhttp"
	_ "github.com/drblury/labflow/transport/mllp"
)
