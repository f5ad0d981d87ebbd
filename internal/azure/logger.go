package azure

import "github.com/juju/loggo/v2"

var logger = loggo.GetLogger("workerd.azure")
