package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/popdensity/internal/density"
)

var (
	queryPolygon   string
	queryFile      string
	queryShapefile string
	queryGeometry  bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Estimate density for one polygon and print it as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		coords, err := loadQueryCoords()
		if err != nil {
			return err
		}

		est, err := newEstimator(cfg, nil)
		if err != nil {
			return err
		}
		result, err := est.Estimate(cmd.Context(), coords)
		if err != nil {
			return eris.Wrap(err, "query")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if !queryGeometry {
			return enc.Encode(result)
		}

		g, err := density.BuildGeometry(coords)
		if err != nil {
			return eris.Wrap(err, "query")
		}
		gj, err := geojson.Marshal(g)
		if err != nil {
			return eris.Wrap(err, "query: encode geometry")
		}
		return enc.Encode(struct {
			Estimate *density.Estimate `json:"estimate"`
			Geometry json.RawMessage   `json:"geometry"`
		}{result, gj})
	},
}

// loadQueryCoords reads the polygon from whichever input flag is set.
func loadQueryCoords() ([][]float64, error) {
	set := 0
	for _, v := range []string{queryPolygon, queryFile, queryShapefile} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return nil, eris.New("query: exactly one of --polygon, --file or --shapefile is required")
	}

	switch {
	case queryPolygon != "":
		return parsePolygonJSON([]byte(queryPolygon))
	case queryFile != "":
		return readPolygonFile(queryFile)
	default:
		return readShapefile(queryShapefile)
	}
}

func init() {
	queryCmd.Flags().StringVar(&queryPolygon, "polygon", "", "polygon as JSON, e.g. '[[lon,lat],...]'")
	queryCmd.Flags().StringVar(&queryFile, "file", "", "GeoJSON or {\"polygon\": ...} JSON file")
	queryCmd.Flags().StringVar(&queryShapefile, "shapefile", "", "shapefile whose first polygon is queried")
	queryCmd.Flags().BoolVar(&queryGeometry, "geometry", false, "also print the repaired geometry as GeoJSON")
	rootCmd.AddCommand(queryCmd)
}
