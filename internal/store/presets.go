package store

import "github.com/thepont/nexus-multi-vpn-sub006/internal/core"

// DefaultPresets is the built-in catalog of applications known to geo-block
// outside their home region. Seeded once at store open; user rules for other
// packages are never affected by the catalog.
var DefaultPresets = []core.PresetRule{
	{PackageName: "com.bbc.iplayer", TargetRegionID: "UK"},
	{PackageName: "uk.co.bbc.sounds", TargetRegionID: "UK"},
	{PackageName: "com.itv.itvhub", TargetRegionID: "UK"},
	{PackageName: "com.channel4.ondemand", TargetRegionID: "UK"},
	{PackageName: "fr.tf1.mytf1", TargetRegionID: "FR"},
	{PackageName: "fr.francetv.pluzz", TargetRegionID: "FR"},
	{PackageName: "de.zdf.android.mediathek", TargetRegionID: "DE"},
	{PackageName: "de.daserste.app", TargetRegionID: "DE"},
	{PackageName: "com.hulu.plus", TargetRegionID: "US"},
	{PackageName: "com.peacocktv.peacockandroid", TargetRegionID: "US"},
	{PackageName: "com.nbcuni.nbc", TargetRegionID: "US"},
	{PackageName: "au.com.abc.iview", TargetRegionID: "AU"},
	{PackageName: "nz.co.tvnz.ondemand", TargetRegionID: "NZ"},
	{PackageName: "ca.cbc.android.cbctv", TargetRegionID: "CA"},
	{PackageName: "jp.co.tver", TargetRegionID: "JP"},
}
