package pkgmgr

var ReadRoot = readRoot
