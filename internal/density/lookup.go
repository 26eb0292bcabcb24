package density

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Lookup scheme names.
const (
	SchemeLUISA2021   = "luisa-basemap-2021"
	SchemeLUISALegacy = "luisa-legacy"
)

// ClassLookup maps a land-cover class code to a conservative population
// density in inhabitants/km².
type ClassLookup map[int]float64

// Density returns the conservative density for class, or 0 when the class
// is not in the table.
func (l ClassLookup) Density(class int) float64 {
	return l[class]
}

// Classes returns the class codes in ascending order.
func (l ClassLookup) Classes() []int {
	out := make([]int, 0, len(l))
	for c := range l {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// luisa2021 covers the LUISA basemap 2021 (50 m) class codes.
var luisa2021 = ClassLookup{
	// Urban fabric
	1111: 5000, // high density urban fabric
	1121: 2500, // medium density urban fabric
	1122: 1000, // low density urban fabric
	1123: 300,  // isolated or very low density urban fabric
	1130: 200,  // urban vegetation
	1410: 200,  // green urban areas
	1421: 800,  // sport and leisure green
	1422: 1200, // sport and leisure built-up

	// Industrial, transport, infrastructure
	1210: 600,  // industrial or commercial units
	1221: 200,  // road and rail networks
	1222: 1200, // major stations
	1230: 600,  // port areas
	1241: 300,  // airport areas
	1242: 1500, // airport terminals

	// Extraction, dumps, construction
	1310: 50,
	1320: 10,
	1330: 100,

	// Agriculture
	2110: 20,
	2120: 20,
	2130: 10,
	2210: 15,
	2220: 15,
	2230: 15,
	2310: 15,
	2410: 15,
	2420: 15,
	2430: 10,
	2440: 10,

	// Forest and semi-natural
	3110: 5,
	3120: 5,
	3130: 5,
	3210: 5,
	3220: 2,
	3230: 2,
	3240: 2,
	3310: 2,
	3320: 1,
	3330: 1,
	3340: 1,
	3350: 0,

	// Wetlands and water
	4000: 0,
	5110: 0,
	5120: 0,
	5210: 0,
	5220: 0,
	5230: 0,
}

// luisaLegacy is the six-class table used before the 2021 basemap.
var luisaLegacy = ClassLookup{
	1: 50,   // continuous urban fabric
	2: 200,  // dense discontinuous urban fabric
	3: 100,  // medium discontinuous urban fabric
	4: 50,   // low discontinuous urban fabric
	5: 20,   // industrial/commercial
	6: 5000, // sport/leisure facilities
}

// Scheme returns a copy of the named built-in lookup table.
func Scheme(name string) (ClassLookup, error) {
	var src ClassLookup
	switch name {
	case SchemeLUISA2021, "":
		src = luisa2021
	case SchemeLUISALegacy:
		src = luisaLegacy
	default:
		return nil, eris.Errorf("density: unknown lookup scheme %q", name)
	}
	out := make(ClassLookup, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

// lookupFile is the YAML layout of a custom lookup table:
//
//	classes:
//	  1111: 5000
//	  1121: 2500
type lookupFile struct {
	Classes map[int]float64 `yaml:"classes"`
}

// LoadLookupFile reads a custom lookup table from a YAML file.
func LoadLookupFile(path string) (ClassLookup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "density: read lookup file %s", path)
	}

	var f lookupFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "density: parse lookup file %s", path)
	}
	if len(f.Classes) == 0 {
		return nil, eris.Errorf("density: lookup file %s has no classes", path)
	}
	for class, d := range f.Classes {
		if d < 0 || !finite(d) {
			return nil, eris.Errorf("density: lookup file %s: class %d has invalid density %v", path, class, d)
		}
	}
	return ClassLookup(f.Classes), nil
}
