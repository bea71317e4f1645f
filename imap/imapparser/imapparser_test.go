package imapparser

import "crawshaw.io/iox"

var filer = iox.NewFiler(0)
